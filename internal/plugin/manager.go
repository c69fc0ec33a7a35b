package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/debugprobe/internal/bus"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

type slot struct {
	p      Plugin
	parent string
	life   sync.Mutex // serializes lifecycle calls on p

	// guarded by Manager.mu
	state   State
	enabled bool
}

// Manager owns every registered plugin. The registry and the pause ledger
// share one lock; lifecycle calls into plugins hold only the plugin's own
// lock, and observers are notified after both are released.
type Manager struct {
	mu      sync.RWMutex
	slots   map[string]*slot
	ids     []string // registration order
	order   []string // start order of the last StartAll
	pauses  map[string]Authority
	options map[string]json.RawMessage
	started bool
	device  protocol.DeviceInfo

	settings SettingsStore

	events    *bus.Topic[Event]
	responses *bus.Topic[CommandResponse]
	enabled   *bus.Topic[EnabledChange]
}

// NewManager creates an empty manager. A nil store keeps flags in memory.
func NewManager(settings SettingsStore) *Manager {
	if settings == nil {
		settings = NewMemorySettings(nil)
	}
	return &Manager{
		slots:     make(map[string]*slot),
		pauses:    make(map[string]Authority),
		options:   make(map[string]json.RawMessage),
		settings:  settings,
		events:    bus.NewTopic[Event]("plugin.events"),
		responses: bus.NewTopic[CommandResponse]("plugin.responses"),
		enabled:   bus.NewTopic[EnabledChange]("plugin.enabled"),
	}
}

// Events publishes plugin-originated events.
func (m *Manager) Events() *bus.Topic[Event] { return m.events }

// Responses publishes every command response, whether returned from
// RouteCommand or produced later through Host.Respond.
func (m *Manager) Responses() *bus.Topic[CommandResponse] { return m.responses }

// EnabledChanges publishes persisted enabled-flag flips.
func (m *Manager) EnabledChanges() *bus.Topic[EnabledChange] { return m.enabled }

// SetOptions seeds the Options a plugin sees through Host.Config.
func (m *Manager) SetOptions(id string, opts json.RawMessage) {
	m.mu.Lock()
	m.options[id] = opts
	m.mu.Unlock()
}

// Register adds p. Plugins must be registered before StartAll.
func (m *Manager) Register(p Plugin) error {
	id := p.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePluginID, id)
	}
	s := &slot{p: p, state: StateUninitialized, enabled: defaultEnabled(p)}
	if c, ok := p.(Child); ok {
		s.parent = c.ParentID()
	}
	m.slots[id] = s
	m.ids = append(m.ids, id)
	slog.Debug("plugin: registered", "plugin", id, "version", p.Version())
	return nil
}

func defaultEnabled(p Plugin) bool {
	if d, ok := p.(DefaultEnabler); ok {
		return d.DefaultEnabled()
	}
	return true
}

func (m *Manager) lookup(id string) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return s, nil
}

func (m *Manager) stateOf(s *slot) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.state
}

func (m *Manager) setState(s *slot, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.state.CanTransition(to) {
		return transitionError(s.p.ID(), s.state, to)
	}
	s.state = to
	return nil
}

// StartAll resolves dependency order, loads persisted flags, initializes
// every plugin and starts the enabled ones. A cycle or missing dependency
// fails before any plugin is touched. A plugin that fails to start keeps
// its dependents stopped; the others still start and the failures come
// back joined.
func (m *Manager) StartAll(ctx context.Context, device protocol.DeviceInfo) error {
	m.mu.Lock()
	order, err := resolveOrder(m.ids,
		func(id string) []string { return m.slots[id].p.Dependencies() },
		func(id string) bool { _, ok := m.slots[id]; return ok },
	)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.device = device
	m.mu.Unlock()

	saved, err := m.settings.Load(ctx)
	if err != nil {
		slog.Warn("plugin: loading settings failed, using defaults", "error", err)
	}

	m.mu.Lock()
	for _, id := range order {
		if v, ok := saved[id]; ok {
			m.slots[id].enabled = v
		}
	}
	m.order = order
	m.started = true
	m.mu.Unlock()

	var errs []error
	failed := make(map[string]bool)
	for _, id := range order {
		s, _ := m.lookup(id)
		s.life.Lock()
		err := m.initializeLocked(ctx, s)
		if err == nil {
			err = m.startIfReadyLocked(ctx, s, failed)
		}
		s.life.Unlock()
		if err != nil {
			failed[id] = true
			errs = append(errs, err)
		}
	}

	slog.Info("plugin: startup complete", "plugins", len(order), "failed", len(errs))
	return errors.Join(errs...)
}

func (m *Manager) startIfReadyLocked(ctx context.Context, s *slot, failed map[string]bool) error {
	id := s.p.ID()
	for _, dep := range s.p.Dependencies() {
		if failed[dep] {
			failed[id] = true
			slog.Warn("plugin: not started, dependency failed", "plugin", id, "dependency", dep)
			return nil
		}
	}
	m.mu.RLock()
	enabled := s.enabled
	m.mu.RUnlock()
	if !enabled {
		slog.Info("plugin: disabled, left stopped", "plugin", id)
		return nil
	}
	return m.startLocked(ctx, s)
}

func (m *Manager) initializeLocked(ctx context.Context, s *slot) error {
	if m.stateOf(s) != StateUninitialized {
		return nil
	}
	id := s.p.ID()
	h := &host{m: m, id: id, logger: slog.Default().With("plugin", id)}
	if err := s.p.Initialize(ctx, h); err != nil {
		slog.Error("plugin: initialize failed", "plugin", id, "error", err)
		return &StartFailedError{PluginID: id, Cause: err}
	}
	return m.setState(s, StateStopped)
}

func (m *Manager) startLocked(ctx context.Context, s *slot) error {
	id := s.p.ID()
	if err := m.setState(s, StateStarting); err != nil {
		return err
	}
	if err := s.p.Start(ctx); err != nil {
		m.setState(s, StateError)
		slog.Error("plugin: start failed", "plugin", id, "error", err)
		return &StartFailedError{PluginID: id, Cause: err}
	}
	slog.Info("plugin: started", "plugin", id)
	return m.setState(s, StateRunning)
}

// StopAll stops active plugins in the exact reverse of start order.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	order := slices.Clone(m.order)
	m.mu.RUnlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		s, _ := m.lookup(order[i])
		s.life.Lock()
		if err := m.stopLocked(ctx, s); err != nil {
			errs = append(errs, err)
		}
		s.life.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) stopLocked(ctx context.Context, s *slot) error {
	if !m.stateOf(s).Active() {
		return nil
	}
	id := s.p.ID()
	if err := m.setState(s, StateStopping); err != nil {
		return err
	}
	if err := s.p.Stop(ctx); err != nil {
		m.setState(s, StateError)
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	m.mu.Lock()
	delete(m.pauses, id)
	m.mu.Unlock()
	slog.Info("plugin: stopped", "plugin", id)
	return m.setState(s, StateStopped)
}

// SetEnabled is the app-authority toggle. Disabling a running plugin pauses
// it so its state survives; enabling resumes or starts it and then enables
// its children. Disabling never cascades. The flag is persisted and
// announced only when it actually changes.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.life.Lock()
	err = m.applyEnabledLocked(ctx, s, enabled)
	var change EnabledChange
	changed := false
	if err == nil {
		m.mu.Lock()
		changed = s.enabled != enabled
		s.enabled = enabled
		change = EnabledChange{PluginID: id, Enabled: enabled, State: s.state}
		m.mu.Unlock()
	}
	s.life.Unlock()

	if err != nil {
		return err
	}
	if changed {
		if err := m.settings.Save(ctx, id, enabled); err != nil {
			slog.Warn("plugin: persisting enabled flag failed", "plugin", id, "error", err)
		}
		slog.Info("plugin: enabled changed", "plugin", id, "enabled", enabled, "state", change.State)
		m.enabled.Publish(change)
	}

	if !enabled {
		return nil
	}
	var errs []error
	for _, child := range m.children(id) {
		if err := m.SetEnabled(ctx, child, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) applyEnabledLocked(ctx context.Context, s *slot, enabled bool) error {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return nil
	}

	state := m.stateOf(s)
	if !enabled {
		switch state {
		case StateRunning:
			return m.pauseLocked(ctx, s, AuthorityApp)
		case StatePaused:
			m.escalatePause(s.p.ID(), AuthorityApp)
		}
		return nil
	}

	switch state {
	case StateRunning:
		return nil
	case StatePaused:
		return m.resumeLocked(ctx, s, AuthorityApp)
	case StateUninitialized:
		if err := m.initializeLocked(ctx, s); err != nil {
			return err
		}
		fallthrough
	case StateStopped:
		return m.startLocked(ctx, s)
	default:
		return transitionError(s.p.ID(), state, StateRunning)
	}
}

func (m *Manager) children(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, cid := range m.ids {
		if m.slots[cid].parent == id {
			out = append(out, cid)
		}
	}
	return out
}

// Pause pauses a running plugin on behalf of by. Pausing an already paused
// plugin with a higher authority takes over the pause.
func (m *Manager) Pause(ctx context.Context, id string, by Authority) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.life.Lock()
	defer s.life.Unlock()
	switch state := m.stateOf(s); state {
	case StateRunning:
		return m.pauseLocked(ctx, s, by)
	case StatePaused:
		m.escalatePause(id, by)
		return nil
	default:
		return transitionError(id, state, StatePaused)
	}
}

// Resume resumes a paused plugin if by outranks or equals whoever paused it.
func (m *Manager) Resume(ctx context.Context, id string, by Authority) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.life.Lock()
	defer s.life.Unlock()
	switch state := m.stateOf(s); state {
	case StatePaused:
		return m.resumeLocked(ctx, s, by)
	case StateRunning:
		return nil
	default:
		return transitionError(id, state, StateRunning)
	}
}

// PauseFromWebUI is the remote-operator pause.
func (m *Manager) PauseFromWebUI(ctx context.Context, id string) error {
	return m.Pause(ctx, id, AuthorityWebUI)
}

// ResumeFromWebUI is the remote-operator resume. It fails with
// ErrResumeNotAuthorized when the app paused the plugin.
func (m *Manager) ResumeFromWebUI(ctx context.Context, id string) error {
	return m.Resume(ctx, id, AuthorityWebUI)
}

func (m *Manager) pauseLocked(ctx context.Context, s *slot, by Authority) error {
	id := s.p.ID()
	if err := s.p.Pause(ctx); err != nil {
		m.setState(s, StateError)
		return fmt.Errorf("pause plugin %s: %w", id, err)
	}
	if err := m.setState(s, StatePaused); err != nil {
		return err
	}
	m.mu.Lock()
	m.pauses[id] = by
	m.mu.Unlock()
	slog.Info("plugin: paused", "plugin", id, "by", by)
	return nil
}

func (m *Manager) escalatePause(id string, by Authority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if by > m.pauses[id] {
		m.pauses[id] = by
	}
}

func (m *Manager) resumeLocked(ctx context.Context, s *slot, by Authority) error {
	id := s.p.ID()
	m.mu.RLock()
	pausedBy := m.pauses[id]
	m.mu.RUnlock()
	if !by.CanResume(pausedBy) {
		return fmt.Errorf("%w: %s paused by %s, resume requested by %s", ErrResumeNotAuthorized, id, pausedBy, by)
	}
	if err := s.p.Resume(ctx); err != nil {
		return fmt.Errorf("resume plugin %s: %w", id, err)
	}
	if err := m.setState(s, StateRunning); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.pauses, id)
	m.mu.Unlock()
	slog.Info("plugin: resumed", "plugin", id, "by", by)
	return nil
}

// RouteCommand delivers cmd to its plugin and returns the response, which
// is also published on Responses. It never returns an error: unknown or
// unavailable plugins produce a failure response.
func (m *Manager) RouteCommand(ctx context.Context, cmd Command) CommandResponse {
	var resp CommandResponse
	s, err := m.lookup(cmd.PluginID)
	switch {
	case err != nil:
		resp = Fail(cmd, "plugin %q not found", cmd.PluginID)
	default:
		state := m.stateOf(s)
		if state == StateUninitialized || state == StateError {
			resp = Fail(cmd, "plugin %q is %s", cmd.PluginID, state)
		} else {
			resp = handleSafely(ctx, s.p, cmd)
		}
	}

	if resp.PluginID == "" {
		resp.PluginID = cmd.PluginID
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = cmd.CorrelationID
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	if !resp.Success {
		slog.Debug("plugin: command failed", "plugin", cmd.PluginID, "type", cmd.Type, "message", resp.Message)
	}
	m.responses.Publish(resp)
	return resp
}

func handleSafely(ctx context.Context, p Plugin, cmd Command) (resp CommandResponse) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("plugin: command handler panic", "plugin", cmd.PluginID, "type", cmd.Type, "panic", r)
			resp = Fail(cmd, "plugin %q panicked handling %s", cmd.PluginID, cmd.Type)
		}
	}()
	return p.HandleCommand(ctx, cmd)
}

// Descriptor returns a snapshot of one plugin.
func (m *Manager) Descriptor(id string) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return m.describeLocked(s), nil
}

// Descriptors returns every plugin in registration order.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.describeLocked(m.slots[id]))
	}
	return out
}

func (m *Manager) describeLocked(s *slot) Descriptor {
	id := s.p.ID()
	d := Descriptor{
		ID:           id,
		DisplayName:  s.p.DisplayName(),
		Version:      s.p.Version(),
		Dependencies: slices.Clone(s.p.Dependencies()),
		ParentID:     s.parent,
		State:        s.state,
		Enabled:      s.enabled,
	}
	if s.state == StatePaused {
		d.PauseSource = m.pauses[id]
	}
	return d
}

// States returns the plugin states sent with the register message.
func (m *Manager) States() []protocol.PluginStateInfo {
	ds := m.Descriptors()
	out := make([]protocol.PluginStateInfo, len(ds))
	for i, d := range ds {
		out[i] = protocol.PluginStateInfo{
			PluginID:  d.ID,
			Version:   d.Version,
			State:     string(d.State),
			IsEnabled: d.Enabled,
		}
	}
	return out
}

type host struct {
	m      *Manager
	id     string
	logger *slog.Logger
}

func (h *host) EmitEvent(eventType string, payload interface{}) error {
	ev := Event{
		PluginID:      h.id,
		CorrelationID: newCorrelationID(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", eventType, err)
		}
		ev.Payload = data
	}
	h.m.events.Publish(ev)
	return nil
}

func (h *host) Respond(resp CommandResponse) {
	if resp.PluginID == "" {
		resp.PluginID = h.id
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	h.m.responses.Publish(resp)
}

func (h *host) Config() Config {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return Config{Enabled: h.m.slots[h.id].enabled, Options: h.m.options[h.id]}
}

func (h *host) Device() protocol.DeviceInfo {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return h.m.device
}

func (h *host) Logger() *slog.Logger { return h.logger }

func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
