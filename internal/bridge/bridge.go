// Package bridge glues the plugin manager to the Hub connection: plugin
// events and responses go out as protocol messages, and Hub commands,
// including legacy bulk rule updates, come in as plugin commands.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/debugprobe/internal/bus"
	"github.com/nextlevelbuilder/debugprobe/internal/hub"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin/builtin"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

// SystemPluginID addresses commands handled by the adapter itself.
const SystemPluginID = "__system__"

// Hub is the part of the connection manager the adapter uses.
type Hub interface {
	Send(ctx context.Context, msgType string, payload interface{}) error
	Commands() *bus.Topic[hub.Command]
	Messages() *bus.Topic[protocol.Frame]
}

// Plugins is the part of the plugin manager the adapter uses.
type Plugins interface {
	RouteCommand(ctx context.Context, cmd plugin.Command) plugin.CommandResponse
	PauseFromWebUI(ctx context.Context, id string) error
	ResumeFromWebUI(ctx context.Context, id string) error
	Descriptors() []plugin.Descriptor
	Events() *bus.Topic[plugin.Event]
	Responses() *bus.Topic[plugin.CommandResponse]
	EnabledChanges() *bus.Topic[plugin.EnabledChange]
}

// Config tunes inbound command handling.
type Config struct {
	QueueSize    int           // pending inbound commands
	DedupeSize   int           // remembered command ids
	DedupeTTL    time.Duration // how long a command id is remembered
	CommandRPM   int           // per-plugin commands per minute, 0 = unlimited
	CommandBurst int
	SendTimeout  time.Duration
	LegacyRules  map[string]string // legacy message type → owning plugin id
}

func DefaultConfig() Config {
	return Config{
		QueueSize:   256,
		DedupeSize:  512,
		DedupeTTL:   10 * time.Minute,
		SendTimeout: 10 * time.Second,
		LegacyRules: builtin.LegacyRuleOwners,
	}
}

// Adapter is the bridge. Create with New, then Start.
type Adapter struct {
	hub     Hub
	plugins Plugins
	cfg     Config

	inbox   chan plugin.Command
	dedupe  *expirable.LRU[string, plugin.CommandResponse]
	limiter *commandLimiter

	webUIVisible atomic.Bool

	subID  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(h Hub, p Plugins, cfg Config) *Adapter {
	d := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = d.DedupeSize
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = d.DedupeTTL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = d.SendTimeout
	}
	return &Adapter{
		hub:     h,
		plugins: p,
		cfg:     cfg,
		inbox:   make(chan plugin.Command, cfg.QueueSize),
		dedupe:  expirable.NewLRU[string, plugin.CommandResponse](cfg.DedupeSize, nil, cfg.DedupeTTL),
		limiter: newCommandLimiter(cfg.CommandRPM, cfg.CommandBurst),
		subID:   "bridge-" + uuid.NewString(),
	}
}

// WebUIVisible reports the last visibility the remote UI announced.
func (a *Adapter) WebUIVisible() bool { return a.webUIVisible.Load() }

// Start subscribes to both managers and runs the command worker until ctx
// is cancelled or Stop is called.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.plugins.Events().Subscribe(a.subID, a.forwardEvent)
	a.plugins.Responses().Subscribe(a.subID, a.forwardResponse)
	a.plugins.EnabledChanges().Subscribe(a.subID, a.forwardEnabled)
	a.hub.Commands().Subscribe(a.subID, a.onCommand)
	a.hub.Messages().Subscribe(a.subID, a.onMessage)

	a.wg.Add(1)
	go a.worker(ctx)
	slog.Info("bridge: started")
}

// Stop unsubscribes and waits for the worker to finish the command in hand.
func (a *Adapter) Stop() {
	a.once.Do(func() {
		a.plugins.Events().Unsubscribe(a.subID)
		a.plugins.Responses().Unsubscribe(a.subID)
		a.plugins.EnabledChanges().Unsubscribe(a.subID)
		a.hub.Commands().Unsubscribe(a.subID)
		a.hub.Messages().Unsubscribe(a.subID)
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		slog.Info("bridge: stopped")
	})
}

func (a *Adapter) send(msgType string, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	defer cancel()
	if err := a.hub.Send(ctx, msgType, payload); err != nil {
		slog.Debug("bridge: outbound message not sent", "type", msgType, "error", err)
	}
}

func (a *Adapter) forwardEvent(ev plugin.Event) {
	a.send(protocol.TypePluginEvent, protocol.PluginEventPayload{
		PluginID:  ev.PluginID,
		EventType: ev.Type,
		EventID:   ev.CorrelationID,
		Timestamp: protocol.Timestamp(ev.Timestamp),
		Payload:   ev.Payload,
	})
}

func (a *Adapter) forwardResponse(resp plugin.CommandResponse) {
	a.send(protocol.TypePluginCommandResponse, responsePayload(resp))
}

func (a *Adapter) forwardEnabled(ch plugin.EnabledChange) {
	a.send(protocol.TypePluginStateChange, protocol.PluginStateChangePayload{
		PluginID:  ch.PluginID,
		IsEnabled: ch.Enabled,
		State:     string(ch.State),
	})
}

func responsePayload(resp plugin.CommandResponse) protocol.PluginCommandResponsePayload {
	return protocol.PluginCommandResponsePayload{
		PluginID:  resp.PluginID,
		CommandID: resp.CorrelationID,
		Success:   resp.Success,
		Message:   resp.Message,
		Payload:   resp.Payload,
		Timestamp: protocol.Timestamp(resp.Timestamp),
	}
}

// onCommand runs on the hub's receive goroutine and only enqueues.
func (a *Adapter) onCommand(c hub.Command) {
	a.enqueue(plugin.Command{
		PluginID:      c.PluginID,
		CorrelationID: c.CommandID,
		Type:          c.CommandType,
		Payload:       c.Payload,
	})
}

// onMessage translates legacy bulk rule updates into update_rules.
func (a *Adapter) onMessage(f protocol.Frame) {
	owner, ok := a.cfg.LegacyRules[f.Type]
	if !ok {
		slog.Debug("bridge: ignoring hub message", "type", f.Type)
		return
	}
	a.enqueue(plugin.Command{
		PluginID:      owner,
		CorrelationID: uuid.NewString(),
		Type:          builtin.CmdUpdateRules,
		Payload:       f.Payload,
	})
}

func (a *Adapter) enqueue(cmd plugin.Command) {
	select {
	case a.inbox <- cmd:
	default:
		slog.Warn("bridge: command queue full", "plugin", cmd.PluginID, "type", cmd.Type)
		a.reply(plugin.Fail(cmd, "agent busy, command %q rejected", cmd.Type))
	}
}

func (a *Adapter) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-a.inbox:
			a.handle(ctx, cmd)
		}
	}
}

// handle executes one command. A repeated command id replays the cached
// response instead of running the command again.
func (a *Adapter) handle(ctx context.Context, cmd plugin.Command) {
	if cmd.CorrelationID != "" {
		if cached, ok := a.dedupe.Get(cmd.CorrelationID); ok {
			slog.Debug("bridge: replaying response for duplicate command", "command_id", cmd.CorrelationID)
			a.reply(cached)
			return
		}
	}

	var resp plugin.CommandResponse
	switch {
	case cmd.PluginID == SystemPluginID:
		resp = a.handleSystem(ctx, cmd)
		a.reply(resp)
	case !a.limiter.allow(cmd.PluginID):
		resp = plugin.Fail(cmd, "rate limit exceeded for plugin %q", cmd.PluginID)
		a.reply(resp)
		return
	default:
		// RouteCommand publishes the response, which forwardResponse sends.
		resp = a.plugins.RouteCommand(ctx, cmd)
	}
	if cmd.CorrelationID != "" {
		a.dedupe.Add(cmd.CorrelationID, resp)
	}
}

func (a *Adapter) reply(resp plugin.CommandResponse) {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	a.send(protocol.TypePluginCommandResponse, responsePayload(resp))
}

type pluginTarget struct {
	PluginID string `json:"pluginId"`
}

type pluginSummary struct {
	ID          string `json:"pluginId"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	State       string `json:"state"`
	IsEnabled   bool   `json:"isEnabled"`
	ParentID    string `json:"parentId,omitempty"`
	PauseSource string `json:"pauseSource,omitempty"`
}

func (a *Adapter) handleSystem(ctx context.Context, cmd plugin.Command) plugin.CommandResponse {
	switch cmd.Type {
	case "webui_visibility":
		var req struct {
			Visible bool `json:"visible"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return plugin.Fail(cmd, "webui_visibility: %v", err)
		}
		a.webUIVisible.Store(req.Visible)
		slog.Info("bridge: web UI visibility", "visible", req.Visible)
		return plugin.Succeed(cmd, req)

	case "pause", "resume":
		var req pluginTarget
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.PluginID == "" {
			return plugin.Fail(cmd, "%s needs a pluginId", cmd.Type)
		}
		op := a.plugins.PauseFromWebUI
		if cmd.Type == "resume" {
			op = a.plugins.ResumeFromWebUI
		}
		if err := op(ctx, req.PluginID); err != nil {
			return plugin.Fail(cmd, "%v", err)
		}
		return plugin.Succeed(cmd, req)

	case "list_plugins":
		ds := a.plugins.Descriptors()
		out := make([]pluginSummary, len(ds))
		for i, d := range ds {
			out[i] = pluginSummary{
				ID:          d.ID,
				DisplayName: d.DisplayName,
				Version:     d.Version,
				State:       string(d.State),
				IsEnabled:   d.Enabled,
				ParentID:    d.ParentID,
			}
			if d.PauseSource != plugin.AuthorityNone {
				out[i].PauseSource = d.PauseSource.String()
			}
		}
		return plugin.Succeed(cmd, out)

	default:
		return plugin.Fail(cmd, "unknown system command %q", cmd.Type)
	}
}
