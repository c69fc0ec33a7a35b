// Package plugin manages capability plugins: registration, dependency
// ordered startup and shutdown, enable/disable with persisted flags,
// authority-ranked pause/resume, and command routing.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

// Plugin is a capability module. Lifecycle methods are never called
// concurrently for the same plugin.
type Plugin interface {
	ID() string
	DisplayName() string
	Version() string
	Dependencies() []string

	Initialize(ctx context.Context, host Host) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	HandleCommand(ctx context.Context, cmd Command) CommandResponse
}

// Child is implemented by plugins grouped under a parent. Enabling the
// parent enables its children.
type Child interface {
	ParentID() string
}

// DefaultEnabler lets a plugin choose its enabled flag when nothing was
// persisted yet. Plugins without it default to enabled.
type DefaultEnabler interface {
	DefaultEnabled() bool
}

// Host is the manager-side surface handed to Initialize.
type Host interface {
	// EmitEvent publishes a plugin event toward the Hub.
	EmitEvent(eventType string, payload interface{}) error
	// Respond publishes a response produced outside HandleCommand.
	Respond(resp CommandResponse)
	Config() Config
	Device() protocol.DeviceInfo
	Logger() *slog.Logger
}

// Config is the per-plugin configuration seeded before Initialize.
type Config struct {
	Enabled bool
	Options json.RawMessage
}

// Command is addressed to one plugin. CorrelationID echoes the Hub's
// command id.
type Command struct {
	PluginID      string
	CorrelationID string
	Type          string
	Payload       json.RawMessage
}

// Event is plugin-originated, outside the DebugEvent stream.
type Event struct {
	PluginID      string
	CorrelationID string
	Type          string
	Payload       json.RawMessage
	Timestamp     time.Time
}

// CommandResponse answers a Command.
type CommandResponse struct {
	PluginID      string
	CorrelationID string
	Success       bool
	Message       string
	Payload       json.RawMessage
	Timestamp     time.Time
}

// Succeed builds a success response for cmd. payload may be nil.
func Succeed(cmd Command, payload interface{}) CommandResponse {
	resp := CommandResponse{
		PluginID:      cmd.PluginID,
		CorrelationID: cmd.CorrelationID,
		Success:       true,
		Timestamp:     time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Fail(cmd, "encode response: %v", err)
		}
		resp.Payload = data
	}
	return resp
}

// Fail builds a failure response for cmd.
func Fail(cmd Command, format string, args ...interface{}) CommandResponse {
	return CommandResponse{
		PluginID:      cmd.PluginID,
		CorrelationID: cmd.CorrelationID,
		Success:       false,
		Message:       fmt.Sprintf(format, args...),
		Timestamp:     time.Now().UTC(),
	}
}

// EnabledChange is published when a plugin's persisted enabled flag flips.
type EnabledChange struct {
	PluginID string
	Enabled  bool
	State    State
}

// Descriptor is a snapshot of one registered plugin.
type Descriptor struct {
	ID           string
	DisplayName  string
	Version      string
	Dependencies []string
	ParentID     string
	State        State
	Enabled      bool
	PauseSource  Authority // AuthorityNone unless paused
}

// Base supplies no-op lifecycle methods. Embed it and override what the
// plugin needs.
type Base struct {
	Host Host
}

func (b *Base) Initialize(_ context.Context, host Host) error {
	b.Host = host
	return nil
}
func (b *Base) Start(context.Context) error  { return nil }
func (b *Base) Stop(context.Context) error   { return nil }
func (b *Base) Pause(context.Context) error  { return nil }
func (b *Base) Resume(context.Context) error { return nil }
func (b *Base) Dependencies() []string       { return nil }
