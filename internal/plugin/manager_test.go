package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

var testDevice = protocol.DeviceInfo{DeviceID: "dev-1", Platform: "ios"}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

type fakePlugin struct {
	Base
	id       string
	deps     []string
	parent   string
	log      *callLog
	startErr error
	cfg      Config
}

func (p *fakePlugin) ID() string             { return p.id }
func (p *fakePlugin) DisplayName() string    { return "Fake " + p.id }
func (p *fakePlugin) Version() string        { return "1.0.0" }
func (p *fakePlugin) Dependencies() []string { return p.deps }
func (p *fakePlugin) ParentID() string       { return p.parent }

func (p *fakePlugin) Initialize(ctx context.Context, h Host) error {
	p.Base.Initialize(ctx, h)
	p.cfg = h.Config()
	p.log.add("init:" + p.id)
	return nil
}

func (p *fakePlugin) Start(context.Context) error {
	p.log.add("start:" + p.id)
	return p.startErr
}

func (p *fakePlugin) Stop(context.Context) error {
	p.log.add("stop:" + p.id)
	return nil
}

func (p *fakePlugin) Pause(context.Context) error {
	p.log.add("pause:" + p.id)
	return nil
}

func (p *fakePlugin) Resume(context.Context) error {
	p.log.add("resume:" + p.id)
	return nil
}

func (p *fakePlugin) HandleCommand(_ context.Context, cmd Command) CommandResponse {
	if cmd.Type == "panic" {
		panic("boom")
	}
	p.Host.EmitEvent("handled", map[string]string{"type": cmd.Type})
	return Succeed(cmd, map[string]string{"echo": cmd.Type})
}

func newFake(log *callLog, id string, deps ...string) *fakePlugin {
	return &fakePlugin{id: id, deps: deps, log: log}
}

func mustRegister(t *testing.T, m *Manager, ps ...Plugin) {
	t.Helper()
	for _, p := range ps {
		if err := m.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.ID(), err)
		}
	}
}

func startCalls(calls []string) []string {
	var out []string
	for _, c := range calls {
		if len(c) > 6 && c[:6] == "start:" {
			out = append(out, c[6:])
		}
	}
	return out
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "a"))
	if err := m.Register(newFake(log, "a")); !errors.Is(err, ErrDuplicatePluginID) {
		t.Fatalf("err = %v, want ErrDuplicatePluginID", err)
	}
}

func TestManager_StartOrderFollowsDependencies(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	// Registered out of order on purpose.
	mustRegister(t, m, newFake(log, "c", "b"), newFake(log, "a"), newFake(log, "b", "a"))

	if err := m.StartAll(context.Background(), testDevice); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if got := startCalls(log.get()); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("start order = %v, want [a b c]", got)
	}
	for _, id := range []string{"a", "b", "c"} {
		d, _ := m.Descriptor(id)
		if d.State != StateRunning {
			t.Errorf("%s state = %s", id, d.State)
		}
	}
}

func TestManager_CycleFailsBeforeAnyStart(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "a", "b"), newFake(log, "b", "a"))

	err := m.StartAll(context.Background(), testDevice)
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("err = %v, want ErrCircularDependency", err)
	}
	if calls := log.get(); len(calls) != 0 {
		t.Errorf("plugins touched before failing: %v", calls)
	}
}

func TestManager_MissingDependency(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "a", "ghost"))
	if err := m.StartAll(context.Background(), testDevice); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("err = %v, want ErrMissingDependency", err)
	}
}

func TestManager_StartFailureSkipsDependents(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	a := newFake(log, "a")
	a.startErr = errors.New("no permission")
	mustRegister(t, m, a, newFake(log, "b", "a"), newFake(log, "x"))

	err := m.StartAll(context.Background(), testDevice)
	var sf *StartFailedError
	if !errors.As(err, &sf) || sf.PluginID != "a" {
		t.Fatalf("err = %v, want StartFailedError for a", err)
	}
	if got := startCalls(log.get()); !slices.Equal(got, []string{"a", "x"}) {
		t.Errorf("started = %v, want [a x]", got)
	}
	states := map[string]State{"a": StateError, "b": StateStopped, "x": StateRunning}
	for id, want := range states {
		d, _ := m.Descriptor(id)
		if d.State != want {
			t.Errorf("%s state = %s, want %s", id, d.State, want)
		}
	}
}

func TestManager_StopAllReverseOrder(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "a"), newFake(log, "b", "a"), newFake(log, "c", "b"))
	ctx := context.Background()
	if err := m.StartAll(ctx, testDevice); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	m.PauseFromWebUI(ctx, "b")
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	var stops []string
	for _, c := range log.get() {
		if len(c) > 5 && c[:5] == "stop:" {
			stops = append(stops, c[5:])
		}
	}
	if !slices.Equal(stops, []string{"c", "b", "a"}) {
		t.Errorf("stop order = %v, want [c b a]", stops)
	}
}

func TestManager_PersistedDisabledStaysStopped(t *testing.T) {
	settings := NewMemorySettings(map[string]bool{"a": false})
	m := NewManager(settings)
	log := &callLog{}
	a := newFake(log, "a")
	mustRegister(t, m, a)

	if err := m.StartAll(context.Background(), testDevice); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	d, _ := m.Descriptor("a")
	if d.State != StateStopped || d.Enabled {
		t.Errorf("descriptor = %+v", d)
	}
	if a.cfg.Enabled {
		t.Error("Initialize saw enabled=true for a persisted-disabled plugin")
	}
	if !slices.Contains(log.get(), "init:a") {
		t.Error("disabled plugin was not initialized")
	}
}

func TestManager_DisablePausesAndEnableResumes(t *testing.T) {
	settings := NewMemorySettings(nil)
	m := NewManager(settings)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "net"))
	ctx := context.Background()
	m.StartAll(ctx, testDevice)

	var changes []EnabledChange
	m.EnabledChanges().Subscribe("test", func(c EnabledChange) { changes = append(changes, c) })

	if err := m.SetEnabled(ctx, "net", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	d, _ := m.Descriptor("net")
	if d.State != StatePaused || d.PauseSource != AuthorityApp || d.Enabled {
		t.Fatalf("after disable: %+v", d)
	}
	if slices.Contains(log.get(), "stop:net") {
		t.Error("disable stopped the plugin instead of pausing it")
	}

	// Repeating the same flag is not a change.
	m.SetEnabled(ctx, "net", false)

	if err := m.SetEnabled(ctx, "net", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	d, _ = m.Descriptor("net")
	if d.State != StateRunning || !d.Enabled {
		t.Fatalf("after enable: %+v", d)
	}
	if len(changes) != 2 || changes[0].Enabled || !changes[1].Enabled {
		t.Errorf("changes = %+v", changes)
	}
	if settings.Saves() != 2 {
		t.Errorf("saves = %d, want 2", settings.Saves())
	}
}

func TestManager_WebUICannotResumeAppPause(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "net"))
	ctx := context.Background()
	m.StartAll(ctx, testDevice)

	m.SetEnabled(ctx, "net", false)
	if err := m.ResumeFromWebUI(ctx, "net"); !errors.Is(err, ErrResumeNotAuthorized) {
		t.Fatalf("ResumeFromWebUI = %v, want ErrResumeNotAuthorized", err)
	}
	if d, _ := m.Descriptor("net"); d.State != StatePaused {
		t.Fatalf("state = %s", d.State)
	}
	if err := m.SetEnabled(ctx, "net", true); err != nil {
		t.Fatalf("app enable: %v", err)
	}
	if d, _ := m.Descriptor("net"); d.State != StateRunning {
		t.Fatalf("state = %s", d.State)
	}
}

func TestManager_WebUIPauseResumableByEither(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "net"))
	ctx := context.Background()
	m.StartAll(ctx, testDevice)

	if err := m.PauseFromWebUI(ctx, "net"); err != nil {
		t.Fatalf("PauseFromWebUI: %v", err)
	}
	if d, _ := m.Descriptor("net"); d.PauseSource != AuthorityWebUI {
		t.Fatalf("pause source = %s", d.PauseSource)
	}
	if err := m.ResumeFromWebUI(ctx, "net"); err != nil {
		t.Fatalf("ResumeFromWebUI: %v", err)
	}

	m.PauseFromWebUI(ctx, "net")
	if err := m.Resume(ctx, "net", AuthorityApp); err != nil {
		t.Fatalf("app Resume: %v", err)
	}
	if d, _ := m.Descriptor("net"); d.State != StateRunning || d.PauseSource != AuthorityNone {
		t.Fatalf("descriptor = %+v", d)
	}
}

func TestManager_DisableEscalatesWebUIPause(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "net"))
	ctx := context.Background()
	m.StartAll(ctx, testDevice)

	m.PauseFromWebUI(ctx, "net")
	m.SetEnabled(ctx, "net", false)
	if err := m.ResumeFromWebUI(ctx, "net"); !errors.Is(err, ErrResumeNotAuthorized) {
		t.Fatalf("ResumeFromWebUI = %v, want ErrResumeNotAuthorized", err)
	}
}

func TestManager_EnableCascadesDisableDoesNot(t *testing.T) {
	settings := NewMemorySettings(map[string]bool{"network": false, "mock": false})
	m := NewManager(settings)
	log := &callLog{}
	parent := newFake(log, "network")
	child := newFake(log, "mock")
	child.parent = "network"
	mustRegister(t, m, parent, child)
	ctx := context.Background()
	m.StartAll(ctx, testDevice)

	if err := m.SetEnabled(ctx, "network", true); err != nil {
		t.Fatalf("enable parent: %v", err)
	}
	if d, _ := m.Descriptor("mock"); d.State != StateRunning || !d.Enabled {
		t.Fatalf("child after parent enable: %+v", d)
	}

	if err := m.SetEnabled(ctx, "network", false); err != nil {
		t.Fatalf("disable parent: %v", err)
	}
	if d, _ := m.Descriptor("mock"); d.State != StateRunning || !d.Enabled {
		t.Fatalf("child after parent disable: %+v", d)
	}
}

func TestManager_RouteCommand(t *testing.T) {
	m := NewManager(nil)
	log := &callLog{}
	mustRegister(t, m, newFake(log, "net"))
	ctx := context.Background()
	m.StartAll(ctx, testDevice)

	var published []CommandResponse
	m.Responses().Subscribe("test", func(r CommandResponse) { published = append(published, r) })
	var events []Event
	m.Events().Subscribe("test", func(e Event) { events = append(events, e) })

	resp := m.RouteCommand(ctx, Command{PluginID: "net", CorrelationID: "c1", Type: "ping"})
	if !resp.Success || resp.CorrelationID != "c1" || resp.PluginID != "net" {
		t.Fatalf("resp = %+v", resp)
	}
	var body map[string]string
	json.Unmarshal(resp.Payload, &body)
	if body["echo"] != "ping" {
		t.Errorf("payload = %s", resp.Payload)
	}
	if len(events) != 1 || events[0].PluginID != "net" || events[0].CorrelationID == "" {
		t.Errorf("events = %+v", events)
	}

	missing := m.RouteCommand(ctx, Command{PluginID: "ghost", CorrelationID: "c2", Type: "ping"})
	if missing.Success || missing.Message == "" || missing.CorrelationID != "c2" {
		t.Errorf("missing resp = %+v", missing)
	}

	crashed := m.RouteCommand(ctx, Command{PluginID: "net", CorrelationID: "c3", Type: "panic"})
	if crashed.Success {
		t.Error("panicking handler reported success")
	}
	if len(published) != 3 {
		t.Errorf("published %d responses, want 3", len(published))
	}
}

func TestManager_States(t *testing.T) {
	m := NewManager(NewMemorySettings(map[string]bool{"b": false}))
	log := &callLog{}
	mustRegister(t, m, newFake(log, "a"), newFake(log, "b"))
	m.StartAll(context.Background(), testDevice)

	states := m.States()
	if len(states) != 2 {
		t.Fatalf("states = %+v", states)
	}
	if states[0].PluginID != "a" || states[0].State != "running" || !states[0].IsEnabled {
		t.Errorf("a = %+v", states[0])
	}
	if states[1].PluginID != "b" || states[1].State != "stopped" || states[1].IsEnabled {
		t.Errorf("b = %+v", states[1])
	}
}

func TestFileSettings_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "plugins.json")
	s := NewFileSettings(path)
	ctx := context.Background()

	flags, err := s.Load(ctx)
	if err != nil || len(flags) != 0 {
		t.Fatalf("Load on missing file = %v, %v", flags, err)
	}
	if err := s.Save(ctx, "net", false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "log", true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	flags, err = NewFileSettings(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if flags["net"] != false || flags["log"] != true || len(flags) != 2 {
		t.Errorf("flags = %v", flags)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateUninitialized, StateStopped, true},
		{StateUninitialized, StateRunning, false},
		{StateStopped, StateStarting, true},
		{StateStarting, StateRunning, true},
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateRunning, StateError, true},
		{StateStopped, StateRunning, false},
		{StateError, StateRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s → %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestAuthorityCanResume(t *testing.T) {
	if AuthorityWebUI.CanResume(AuthorityApp) {
		t.Error("webUI must not resume an app pause")
	}
	if !AuthorityApp.CanResume(AuthorityWebUI) || !AuthorityWebUI.CanResume(AuthorityWebUI) {
		t.Error("equal or higher authority must resume")
	}
}
