// Package builtin holds the capability plugins shipped with the agent.
// Interception engines live outside the agent; these plugins hold the
// state the Hub pushes to them and report what the agent itself observes.
package builtin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
)

const (
	IDNetwork    = "network"
	IDMock       = "mock"
	IDBreakpoint = "breakpoint"
	IDChaos      = "chaos"
	IDLog        = "log"
	IDPerf       = "performance"
)

// Command types understood by rule-holding plugins.
const (
	CmdUpdateRules = "update_rules"
	CmdGetRules    = "get_rules"
	CmdClearRules  = "clear_rules"
)

// RulesPlugin stores a rule set replaced wholesale by update_rules. The
// evaluation engine reads it through Rules.
type RulesPlugin struct {
	plugin.Base
	id       string
	name     string
	parent   string
	disabled bool

	mu       sync.RWMutex
	rules    json.RawMessage
	revision int
}

// NewNetwork is the parent of the mock, breakpoint and chaos plugins.
func NewNetwork() *RulesPlugin {
	return &RulesPlugin{id: IDNetwork, name: "Network Inspector"}
}

func NewMock() *RulesPlugin {
	return &RulesPlugin{id: IDMock, name: "Mock Responses", parent: IDNetwork, disabled: true}
}

func NewBreakpoint() *RulesPlugin {
	return &RulesPlugin{id: IDBreakpoint, name: "Breakpoints", parent: IDNetwork, disabled: true}
}

func NewChaos() *RulesPlugin {
	return &RulesPlugin{id: IDChaos, name: "Chaos Injection", parent: IDNetwork, disabled: true}
}

func (p *RulesPlugin) ID() string          { return p.id }
func (p *RulesPlugin) DisplayName() string { return p.name }
func (p *RulesPlugin) Version() string     { return "1.0.0" }
func (p *RulesPlugin) ParentID() string    { return p.parent }
func (p *RulesPlugin) DefaultEnabled() bool {
	return !p.disabled
}

func (p *RulesPlugin) Dependencies() []string {
	if p.parent == "" {
		return nil
	}
	return []string{p.parent}
}

// Initialize restores rules seeded through the options.
func (p *RulesPlugin) Initialize(ctx context.Context, host plugin.Host) error {
	p.Base.Initialize(ctx, host)
	var opts struct {
		Rules json.RawMessage `json:"rules"`
	}
	if raw := host.Config().Options; len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.rules = opts.Rules
	p.mu.Unlock()
	return nil
}

// Rules returns the current rule set and its revision.
func (p *RulesPlugin) Rules() (json.RawMessage, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(json.RawMessage(nil), p.rules...), p.revision
}

func (p *RulesPlugin) HandleCommand(_ context.Context, cmd plugin.Command) plugin.CommandResponse {
	switch cmd.Type {
	case CmdUpdateRules:
		if len(cmd.Payload) == 0 || !json.Valid(cmd.Payload) {
			return plugin.Fail(cmd, "update_rules needs a JSON payload")
		}
		p.mu.Lock()
		p.rules = append(json.RawMessage(nil), cmd.Payload...)
		p.revision++
		rev := p.revision
		p.mu.Unlock()

		p.Host.EmitEvent("rules_updated", map[string]int{"revision": rev})
		return plugin.Succeed(cmd, map[string]int{"revision": rev})

	case CmdGetRules:
		rules, rev := p.Rules()
		return plugin.Succeed(cmd, map[string]interface{}{"revision": rev, "rules": rules})

	case CmdClearRules:
		p.mu.Lock()
		p.rules = nil
		p.revision++
		p.mu.Unlock()
		return plugin.Succeed(cmd, nil)

	default:
		return plugin.Fail(cmd, "%s: unknown command %q", p.id, cmd.Type)
	}
}
