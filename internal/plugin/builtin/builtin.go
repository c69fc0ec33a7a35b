package builtin

import (
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

// All returns one instance of every built-in plugin, parents first.
func All() []plugin.Plugin {
	return []plugin.Plugin{
		NewNetwork(),
		NewMock(),
		NewBreakpoint(),
		NewChaos(),
		NewLog(),
		NewPerformance(),
	}
}

// LegacyRuleOwners maps legacy bulk rule-update message types to the
// plugin that owns the rules.
var LegacyRuleOwners = map[string]string{
	protocol.TypeUpdateNetworkRules:    IDNetwork,
	protocol.TypeUpdateMockRules:       IDMock,
	protocol.TypeUpdateBreakpointRules: IDBreakpoint,
	protocol.TypeUpdateChaosRules:      IDChaos,
}
