package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

type capture struct {
	mu  sync.Mutex
	evs []event.Event
}

func (c *capture) emit(ev event.Event) bool {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
	return true
}

func (c *capture) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.evs...)
}

func startBuiltins(t *testing.T, ps ...plugin.Plugin) *plugin.Manager {
	t.Helper()
	m := plugin.NewManager(nil)
	for _, p := range ps {
		if err := m.Register(p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := m.StartAll(context.Background(), protocol.DeviceInfo{DeviceID: "d"}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m
}

func TestAll_ChildrenDisabledByDefault(t *testing.T) {
	m := startBuiltins(t, All()...)
	for _, d := range m.Descriptors() {
		wantRunning := d.ParentID == ""
		if (d.State == plugin.StateRunning) != wantRunning {
			t.Errorf("%s state = %s", d.ID, d.State)
		}
	}
	if d, _ := m.Descriptor(IDMock); d.ParentID != IDNetwork {
		t.Errorf("mock parent = %q", d.ParentID)
	}
}

func TestRulesPlugin_UpdateAndGet(t *testing.T) {
	net := NewNetwork()
	m := startBuiltins(t, net)
	ctx := context.Background()

	var events []plugin.Event
	m.Events().Subscribe("test", func(e plugin.Event) { events = append(events, e) })

	rules := json.RawMessage(`[{"match":"/api","status":503}]`)
	resp := m.RouteCommand(ctx, plugin.Command{PluginID: IDNetwork, CorrelationID: "1", Type: CmdUpdateRules, Payload: rules})
	if !resp.Success {
		t.Fatalf("update_rules failed: %s", resp.Message)
	}
	got, rev := net.Rules()
	if rev != 1 || !bytes.Equal(got, rules) {
		t.Errorf("rules = %s rev %d", got, rev)
	}
	if len(events) != 1 || events[0].Type != "rules_updated" {
		t.Errorf("events = %+v", events)
	}

	bad := m.RouteCommand(ctx, plugin.Command{PluginID: IDNetwork, Type: CmdUpdateRules, Payload: json.RawMessage(`{oops`)})
	if bad.Success {
		t.Error("invalid rules accepted")
	}
	if r := m.RouteCommand(ctx, plugin.Command{PluginID: IDNetwork, Type: "explode"}); r.Success {
		t.Error("unknown command succeeded")
	}
}

func TestRulesPlugin_SeededFromOptions(t *testing.T) {
	m := plugin.NewManager(nil)
	chaos := NewChaos()
	m.Register(NewNetwork())
	m.Register(chaos)
	m.SetOptions(IDChaos, json.RawMessage(`{"rules":[{"latencyMs":200}]}`))
	if err := m.StartAll(context.Background(), protocol.DeviceInfo{}); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	rules, _ := chaos.Rules()
	if string(rules) != `[{"latencyMs":200}]` {
		t.Errorf("rules = %s", rules)
	}
}

func TestLogPlugin_ForwardsWhileActive(t *testing.T) {
	lp := NewLog()
	c := &capture{}
	lp.emit = c.emit

	var out bytes.Buffer
	logger := slog.New(lp.Handler(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo})))

	logger.Warn("hub: connection error", "error", "reset")
	if len(c.all()) != 0 {
		t.Fatal("forwarded before start")
	}

	ctx := context.Background()
	lp.Start(ctx)
	logger.Info("hub: connected")
	logger.With("plugin", "net").Error("plugin: start failed")
	evs := c.all()
	if len(evs) != 1 {
		t.Fatalf("forwarded %d records, want 1 (warn and above)", len(evs))
	}
	var p event.LogPayload
	json.Unmarshal(evs[0].Payload(), &p)
	if p.Level != "error" || p.Subsystem != "plugin" || p.Message != "plugin: start failed plugin=net" {
		t.Errorf("payload = %+v", p)
	}
	if !bytes.Contains(out.Bytes(), []byte("hub: connected")) {
		t.Error("next handler did not receive the record")
	}

	lp.Pause(ctx)
	logger.Error("queue: boom")
	if len(c.all()) != 1 {
		t.Error("forwarded while paused")
	}
}

func TestLogPlugin_SetLevel(t *testing.T) {
	lp := NewLog()
	resp := lp.HandleCommand(context.Background(), plugin.Command{Type: "set_level", Payload: json.RawMessage(`{"level":"debug"}`)})
	if !resp.Success {
		t.Fatalf("set_level: %s", resp.Message)
	}
	if slog.Level(lp.minLevel.Load()) != slog.LevelDebug {
		t.Errorf("level = %v", slog.Level(lp.minLevel.Load()))
	}
}

func TestPerformancePlugin_SampleNow(t *testing.T) {
	pp := NewPerformance()
	c := &capture{}
	pp.emit = c.emit
	m := startBuiltins(t, pp)

	resp := m.RouteCommand(context.Background(), plugin.Command{PluginID: IDPerf, Type: "sample_now"})
	if !resp.Success {
		t.Fatalf("sample_now: %s", resp.Message)
	}
	evs := c.all()
	if len(evs) == 0 || evs[len(evs)-1].Category() != event.CategoryPerformance {
		t.Fatalf("events = %v", evs)
	}
	var p event.PerformancePayload
	json.Unmarshal(evs[len(evs)-1].Payload(), &p)
	if p.Goroutines == 0 || p.MemoryMB <= 0 {
		t.Errorf("payload = %+v", p)
	}

	bad := m.RouteCommand(context.Background(), plugin.Command{PluginID: IDPerf, Type: "set_interval", Payload: json.RawMessage(`{"intervalMs":0}`)})
	if bad.Success {
		t.Error("zero interval accepted")
	}
}
