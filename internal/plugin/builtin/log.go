package builtin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
)

// LogPlugin forwards the agent's own slog records at or above a minimum
// level into the DebugEvent stream while it is running.
type LogPlugin struct {
	plugin.Base
	active   atomic.Bool
	minLevel atomic.Int64
	emit     func(event.Event) bool
}

func NewLog() *LogPlugin {
	p := &LogPlugin{emit: event.Emit}
	p.minLevel.Store(int64(slog.LevelWarn))
	return p
}

func (p *LogPlugin) ID() string          { return IDLog }
func (p *LogPlugin) DisplayName() string { return "Agent Log" }
func (p *LogPlugin) Version() string     { return "1.0.0" }

func (p *LogPlugin) Start(context.Context) error {
	p.active.Store(true)
	return nil
}

func (p *LogPlugin) Stop(context.Context) error {
	p.active.Store(false)
	return nil
}

func (p *LogPlugin) Pause(context.Context) error {
	p.active.Store(false)
	return nil
}

func (p *LogPlugin) Resume(context.Context) error {
	p.active.Store(true)
	return nil
}

func (p *LogPlugin) HandleCommand(_ context.Context, cmd plugin.Command) plugin.CommandResponse {
	if cmd.Type != "set_level" {
		return plugin.Fail(cmd, "log: unknown command %q", cmd.Type)
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(cmd.Payload, &req); err != nil {
		return plugin.Fail(cmd, "set_level: %v", err)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(req.Level)); err != nil {
		return plugin.Fail(cmd, "set_level: %v", err)
	}
	p.minLevel.Store(int64(lvl))
	return plugin.Succeed(cmd, map[string]string{"level": lvl.String()})
}

// Handler wraps next so records also reach the DebugEvent stream.
func (p *LogPlugin) Handler(next slog.Handler) slog.Handler {
	return &forwardHandler{next: next, p: p}
}

type forwardHandler struct {
	next   slog.Handler
	p      *LogPlugin
	attrs  []slog.Attr
	groups []string
}

func (h *forwardHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	if h.p.active.Load() && lvl >= slog.Level(h.p.minLevel.Load()) {
		return true
	}
	return h.next.Enabled(ctx, lvl)
}

func (h *forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.p.active.Load() && r.Level >= slog.Level(h.p.minLevel.Load()) {
		h.forward(r)
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *forwardHandler) forward(r slog.Record) {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		b.WriteByte(' ')
		if len(h.groups) > 0 {
			b.WriteString(strings.Join(h.groups, "."))
			b.WriteByte('.')
		}
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)

	// Messages follow the "subsystem: text" convention.
	subsystem, _, _ := strings.Cut(r.Message, ":")
	if strings.ContainsRune(subsystem, ' ') {
		subsystem = ""
	}
	ev, err := event.NewLog(event.LogPayload{
		Level:     strings.ToLower(r.Level.String()),
		Subsystem: subsystem,
		Message:   b.String(),
	})
	if err == nil {
		h.p.emit(ev)
	}
}

func (h *forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.next = h.next.WithAttrs(attrs)
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *forwardHandler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.next = h.next.WithGroup(name)
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}
