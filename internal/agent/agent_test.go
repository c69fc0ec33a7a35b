package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nextlevelbuilder/debugprobe/internal/config"
	"github.com/nextlevelbuilder/debugprobe/internal/event"
	"github.com/nextlevelbuilder/debugprobe/internal/hub"
	"github.com/nextlevelbuilder/debugprobe/internal/hub/hubtest"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin/builtin"
	"github.com/nextlevelbuilder/debugprobe/internal/queue"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Hub.URL = "ws://hub.test/debug"
	cfg.Hub.HeartbeatIntervalMs = 3_600_000
	cfg.Hub.ReconnectIntervalMs = 5
	cfg.Hub.MaxReconnectIntervalMs = 20
	cfg.Hub.MaxReconnectAttempts = 0
	cfg.Device.ID = "Test Device"
	cfg.Buffer.FlushIntervalMs = 10
	cfg.Queue.Path = filepath.Join(t.TempDir(), "queue.db")
	cfg.Queue.RecoveryIntervalMs = 5
	return cfg
}

func fakeDialer(srv *hubtest.Server) hub.Dialer {
	return hub.DialerFunc(func(ctx context.Context, _ hub.Endpoint) (hub.Transport, error) {
		c, err := srv.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runAgent starts a in the background and returns a stop function that
// cancels Run and waits for it.
func runAgent(t *testing.T, a *Agent) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "plugins started", func() bool {
		for _, d := range a.Plugins().Descriptors() {
			if d.State == plugin.StateUninitialized {
				return false
			}
		}
		return true
	})

	var stopped bool
	var runErr error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			runErr = <-done
		}
		return runErr
	}
	t.Cleanup(func() { stop() })
	return stop
}

func emitLogs(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ev, err := event.NewLog(event.LogPayload{Level: "info", Message: "offline"})
		if err != nil {
			t.Fatal(err)
		}
		if !event.Emit(ev) {
			t.Fatalf("event %d rejected", i)
		}
		ids[i] = ev.ID()
	}
	return ids
}

func TestAgent_OfflineEventsRecoverInBatches(t *testing.T) {
	srv := hubtest.NewServer()
	srv.SetOnline(false)
	cfg := testConfig(t)

	a, err := New(cfg,
		WithDialer(fakeDialer(srv)),
		WithSettings(plugin.NewMemorySettings(nil)),
		WithPlugins(builtin.NewNetwork()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runAgent(t, a)

	want := emitLogs(t, 150)
	ctx := context.Background()
	waitFor(t, "spill", func() bool {
		n, _ := a.Queue().Count(ctx)
		return n == 150 && a.Hub().Stats().Buffered == 0
	})

	srv.SetOnline(true)
	waitFor(t, "recovery", func() bool { return len(srv.EventIDs()) >= 150 })

	batches := srv.EventBatches()
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	for i, b := range batches {
		if len(b) != 50 {
			t.Errorf("batch %d has %d events", i, len(b))
		}
	}
	if got := srv.EventIDs(); !slices.Equal(got, want) {
		t.Error("recovered events out of order")
	}
	waitFor(t, "queue drained", func() bool {
		n, _ := a.Queue().Count(ctx)
		return n == 0
	})
}

func TestAgent_RegistersWithPluginStatesAndRoutesCommands(t *testing.T) {
	srv := hubtest.NewServer()
	network := builtin.NewNetwork()
	a, err := New(testConfig(t),
		WithDialer(fakeDialer(srv)),
		WithSettings(plugin.NewMemorySettings(nil)),
		WithPlugins(network, builtin.NewMock()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runAgent(t, a)
	waitFor(t, "registered", func() bool { return a.Hub().State() == hub.StateRegistered })

	regs := srv.Frames(protocol.TypeRegister)
	if len(regs) != 1 {
		t.Fatalf("register frames = %d", len(regs))
	}
	frame, err := protocol.ParseFrame(regs[0].Raw)
	if err != nil {
		t.Fatal(err)
	}
	var reg protocol.RegisterPayload
	if err := frame.Decode(&reg); err != nil {
		t.Fatal(err)
	}
	if reg.Device.DeviceID != "test-device" || len(reg.PluginStates) != 2 {
		t.Errorf("register = %+v", reg)
	}
	if reg.PluginStates[0].PluginID != builtin.IDNetwork || reg.PluginStates[0].State != string(plugin.StateRunning) {
		t.Errorf("network state = %+v", reg.PluginStates[0])
	}

	err = srv.Push(protocol.TypePluginCommand, protocol.PluginCommandPayload{
		PluginID:    builtin.IDNetwork,
		CommandType: builtin.CmdUpdateRules,
		CommandID:   "cmd-1",
		Payload:     json.RawMessage(`[{"path":"/x"}]`),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "response", func() bool { return len(srv.Frames(protocol.TypePluginCommandResponse)) == 1 })

	frame, _ = protocol.ParseFrame(srv.Frames(protocol.TypePluginCommandResponse)[0].Raw)
	var resp protocol.PluginCommandResponsePayload
	frame.Decode(&resp)
	if !resp.Success || resp.CommandID != "cmd-1" {
		t.Errorf("response = %+v", resp)
	}
	if _, rev := network.Rules(); rev != 1 {
		t.Errorf("revision = %d", rev)
	}
}

func TestAgent_ShutdownPersistsBufferedEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hub.URL = ""
	cfg.Buffer.FlushIntervalMs = 3_600_000

	a, err := New(cfg,
		WithSettings(plugin.NewMemorySettings(nil)),
		WithPlugins(builtin.NewNetwork()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runAgent(t, a)
	emitLogs(t, 5)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ev, _ := event.NewLog(event.LogPayload{Level: "info", Message: "late"})
	if event.Emit(ev) {
		t.Error("sink still installed after shutdown")
	}

	q, err := queue.Open(QueueConfig(cfg.Queue))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if n, _ := q.Count(context.Background()); n != 5 {
		t.Errorf("persisted %d events, want 5", n)
	}
}

func TestAgent_RunFailsOnDependencyCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hub.URL = ""
	a, err := New(cfg,
		WithSettings(plugin.NewMemorySettings(nil)),
		WithPlugins(&cyclic{id: "a", dep: "b"}, &cyclic{id: "b", dep: "a"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = a.Run(context.Background())
	if !errors.Is(err, plugin.ErrCircularDependency) {
		t.Errorf("Run = %v, want circular dependency", err)
	}
}

func TestNew_RejectsBadDropPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.DropPolicy = "keep_everything"
	if _, err := New(cfg, WithSettings(plugin.NewMemorySettings(nil))); err == nil {
		t.Fatal("expected error")
	}
}

func TestApplyReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hub.URL = ""
	var lv slog.LevelVar
	a, err := New(cfg,
		WithSettings(plugin.NewMemorySettings(nil)),
		WithPlugins(builtin.NewNetwork()),
		WithLogLevel(&lv),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Shutdown(context.Background())

	next := config.Default()
	next.Log.Level = "debug"
	next.Buffer.DropPolicy = "drop_newest"
	a.applyReload(next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %s", lv.Level())
	}
}

type cyclic struct {
	plugin.Base
	id, dep string
}

func (c *cyclic) ID() string             { return c.id }
func (c *cyclic) DisplayName() string    { return c.id }
func (c *cyclic) Version() string        { return "0" }
func (c *cyclic) Dependencies() []string { return []string{c.dep} }
func (c *cyclic) HandleCommand(_ context.Context, cmd plugin.Command) plugin.CommandResponse {
	return plugin.Succeed(cmd, nil)
}
