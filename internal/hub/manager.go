// Package hub owns the connection to the Hub: registration, heartbeats,
// batched event delivery from a bounded in-memory buffer, reconnection
// with exponential backoff, and draining the offline queue after recovery.
//
// Delivery is at-least-once. A batch leaves the buffer only after the write
// succeeded; a failed batch is retried whole on the next flush. While the
// session is down the buffer spills into the persistence queue.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/nextlevelbuilder/debugprobe/internal/bus"
	"github.com/nextlevelbuilder/debugprobe/internal/event"
	"github.com/nextlevelbuilder/debugprobe/internal/queue"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/debugprobe/internal/hub")

// Persistence is the durable queue the manager spills into and recovers
// from. *queue.Queue implements it.
type Persistence interface {
	Enqueue(ctx context.Context, events ...event.Event) error
	DequeueBatch(ctx context.Context, maxCount int) ([]queue.Record, error)
	Requeue(ctx context.Context, records []queue.Record) error
}

// Command is an inbound plugin command from the Hub.
type Command struct {
	PluginID    string
	CommandType string
	CommandID   string
	Payload     json.RawMessage
}

// Stats is a point-in-time snapshot of delivery counters.
type Stats struct {
	State             State
	SessionID         string
	Buffered          int
	Sent              uint64
	Dropped           uint64
	Spilled           uint64
	Recovered         uint64
	ReconnectAttempts int
	LastBackoff       time.Duration
}

// Manager is the connection state machine. Construct with New, call Start
// to run the flush timer, then Connect.
type Manager struct {
	cfg    Config
	dialer Dialer
	store  Persistence // nil when persistence is unavailable
	buf    *ringBuffer

	mu             sync.Mutex
	state          State
	endpoint       Endpoint
	conn           Transport
	gen            uint64 // bumped whenever the current attempt is abandoned
	connCtx        context.Context
	connCancel     context.CancelFunc
	registerSent   bool
	manual         bool
	closed         bool
	attempts       int
	lastDelay      time.Duration
	reconnectTimer *time.Timer
	sessionID      string
	recoveryGen    uint64 // session whose recovery loop is running, 0 when idle
	recoveryRerun  bool   // a spill landed while that loop was draining
	pluginStates   func() []protocol.PluginStateInfo

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once

	sent      atomic.Uint64
	spilled   atomic.Uint64
	recovered atomic.Uint64

	states   *bus.Topic[StateChange]
	errs     *bus.Topic[error]
	commands *bus.Topic[Command]
	messages *bus.Topic[protocol.Frame]
}

// New creates a manager. store may be nil, which disables spilling and
// recovery regardless of cfg.PersistenceEnabled.
func New(cfg Config, dialer Dialer, store Persistence) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		store:      store,
		buf:        newRingBuffer(cfg.BufferCapacity, cfg.DropPolicy),
		state:      StateDisconnected,
		rootCtx:    ctx,
		rootCancel: cancel,
		states:     bus.NewTopic[StateChange]("hub.state"),
		errs:       bus.NewTopic[error]("hub.errors"),
		commands:   bus.NewTopic[Command]("hub.commands"),
		messages:   bus.NewTopic[protocol.Frame]("hub.messages"),
	}
}

// StateChanges publishes every state transition.
func (m *Manager) StateChanges() *bus.Topic[StateChange] { return m.states }

// Errors publishes unexpected transport errors.
func (m *Manager) Errors() *bus.Topic[error] { return m.errs }

// Commands publishes inbound plugin commands. Subscribers run on the
// receive goroutine and must not block.
func (m *Manager) Commands() *bus.Topic[Command] { return m.commands }

// Messages publishes every other inbound message verbatim.
func (m *Manager) Messages() *bus.Topic[protocol.Frame] { return m.messages }

// SetPluginStates installs the provider whose result is sent with register.
func (m *Manager) SetPluginStates(fn func() []protocol.PluginStateInfo) {
	m.mu.Lock()
	m.pluginStates = fn
	m.mu.Unlock()
}

// SetDropPolicy changes the overflow policy of the live buffer.
func (m *Manager) SetDropPolicy(p DropPolicy) {
	m.buf.setPolicy(p)
	slog.Info("hub: drop policy changed", "policy", p.String())
}

// Accept is the producer hook target. It never blocks.
func (m *Manager) Accept(ev event.Event) bool {
	return m.buf.push(ev)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns delivery counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{State: m.state, SessionID: m.sessionID, ReconnectAttempts: m.attempts, LastBackoff: m.lastDelay}
	m.mu.Unlock()
	st.Buffered = m.buf.len()
	st.Dropped = m.buf.droppedCount()
	st.Sent = m.sent.Load()
	st.Spilled = m.spilled.Load()
	st.Recovered = m.recovered.Load()
	return st
}

// Start runs the flush timer. The timer runs for the manager's whole
// lifetime because flushing also spills to disk while offline.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		m.wg.Add(1)
		go m.flushLoop()
	})
}

// Connect opens a session to ep. It is ignored unless the manager is
// disconnected or failed. Dialing happens in the background.
func (m *Manager) Connect(ep Endpoint) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected && m.state != StateFailed {
		state := m.state
		m.mu.Unlock()
		slog.Debug("hub: connect ignored", "state", state)
		return nil
	}
	m.endpoint = ep
	ch := m.startAttemptLocked()
	m.mu.Unlock()

	m.states.Publish(ch)
	return nil
}

// Retry resets the attempt counter and reconnects to the last endpoint.
// It is how a failed manager is revived.
func (m *Manager) Retry() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateFailed && m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.endpoint.URL == "" {
		m.mu.Unlock()
		return ErrNoEndpoint
	}
	ch := m.startAttemptLocked()
	m.mu.Unlock()

	slog.Info("hub: manual retry")
	m.states.Publish(ch)
	return nil
}

// startAttemptLocked resets counters and dials immediately.
func (m *Manager) startAttemptLocked() StateChange {
	m.manual = false
	m.attempts = 0
	m.lastDelay = 0
	gen, ctx := m.beginAttemptLocked()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dial(ctx, gen)
	}()
	return m.transitionLocked(StateConnecting)
}

// beginAttemptLocked abandons the current attempt and opens a new generation.
func (m *Manager) beginAttemptLocked() (uint64, context.Context) {
	if m.connCancel != nil {
		m.connCancel()
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.gen++
	m.connCtx, m.connCancel = context.WithCancel(m.rootCtx)
	m.registerSent = false
	m.sessionID = ""
	return m.gen, m.connCtx
}

// Disconnect closes the session and disables automatic reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	conn := m.abandonLocked()
	ch := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.states.Publish(ch)
	slog.Info("hub: disconnected by request")
}

// abandonLocked stops timers and detaches the current transport, which the
// caller closes after releasing the lock.
func (m *Manager) abandonLocked() Transport {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.sessionID = ""
	return conn
}

// Close tears the manager down: disconnects, stops every timer, waits for
// background goroutines and spills whatever is still buffered to disk.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.manual = true
	conn := m.abandonLocked()
	ch := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.states.Publish(ch)
	m.rootCancel()
	m.wg.Wait()

	if m.persisting() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.spill(ctx)
	}
	slog.Info("hub: connection manager closed")
	return nil
}

func (m *Manager) persisting() bool {
	return m.cfg.PersistenceEnabled && m.store != nil
}

// transitionLocked sets the state and returns the change for publishing
// once the lock is released. Same-state transitions are still reported.
func (m *Manager) transitionLocked(to State) StateChange {
	ch := StateChange{From: m.state, To: to}
	m.state = to
	if ch.From != to {
		slog.Debug("hub: state", "from", ch.From, "to", to)
	}
	return ch
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.mu.Lock()
	ep := m.endpoint
	attempt := m.attempts
	m.mu.Unlock()

	slog.Info("hub: connecting", "url", ep.URL, "attempt", attempt)
	conn, err := m.dialer.Dial(ctx, ep)
	if err != nil {
		m.handleFailure(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	ch := m.transitionLocked(StateConnected)
	m.wg.Add(1)
	m.mu.Unlock()

	m.states.Publish(ch)
	slog.Info("hub: connected", "url", ep.URL)

	go func() {
		defer m.wg.Done()
		m.receiveLoop(ctx, gen, conn)
	}()
	m.sendRegistration(ctx, gen)
}

// sendRegistration writes the register message. Only the first call per
// connection attempt does anything.
func (m *Manager) sendRegistration(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil || m.registerSent {
		m.mu.Unlock()
		return
	}
	m.registerSent = true
	conn := m.conn
	ep := m.endpoint
	statesFn := m.pluginStates
	m.mu.Unlock()

	payload := protocol.RegisterPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		Device:          ep.Device,
		Token:           ep.Token,
		PluginStates:    []protocol.PluginStateInfo{},
	}
	if statesFn != nil {
		if states := statesFn(); states != nil {
			payload.PluginStates = states
		}
	}
	if err := m.sendOn(ctx, gen, conn, protocol.TypeRegister, payload); err != nil {
		slog.Warn("hub: register failed", "error", err)
		return
	}
	slog.Debug("hub: register sent", "device", ep.Device.DeviceID, "plugins", len(payload.PluginStates))
}

func (m *Manager) receiveLoop(ctx context.Context, gen uint64, conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.handleFailure(gen, err)
			}
			return
		}
		m.handleFrame(ctx, gen, data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, gen uint64, data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		slog.Warn("hub: discarding malformed frame", "size", len(data), "error", err)
		return
	}

	switch f.Type {
	case protocol.TypeRegistered:
		var p protocol.RegisteredPayload
		if err := f.Decode(&p); err != nil {
			slog.Warn("hub: discarding malformed registered reply", "error", err)
			return
		}
		m.onRegistered(gen, p.SessionID)

	case protocol.TypePluginCommand:
		var p protocol.PluginCommandPayload
		if err := f.Decode(&p); err != nil {
			slog.Warn("hub: discarding malformed plugin command", "error", err)
			return
		}
		if p.PluginID == "" || p.CommandType == "" {
			slog.Warn("hub: discarding plugin command without target", "command_id", p.CommandID)
			return
		}
		m.commands.Publish(Command{
			PluginID:    p.PluginID,
			CommandType: p.CommandType,
			CommandID:   p.CommandID,
			Payload:     p.Payload,
		})

	case protocol.TypeHeartbeat:
		slog.Debug("hub: heartbeat ack")

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := f.Decode(&p); err == nil {
			slog.Warn("hub: error from hub", "code", p.Code, "message", p.Message)
		}
		m.messages.Publish(f)

	default:
		m.messages.Publish(f)
	}
}

func (m *Manager) onRegistered(gen uint64, sessionID string) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.sessionID = sessionID
	m.attempts = 0
	ch := m.transitionLocked(StateRegistered)
	ctx := m.connCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop(ctx, gen)
	}()
	m.startRecoveryLocked(ctx, gen)
	m.mu.Unlock()

	m.states.Publish(ch)
	slog.Info("hub: registered", "session", sessionID)
}

// handleFailure tears down the attempt identified by gen and either
// schedules a reconnect or settles in disconnected/failed.
func (m *Manager) handleFailure(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	conn := m.abandonLocked()
	var ch StateChange
	if m.manual {
		ch = m.transitionLocked(StateDisconnected)
	} else {
		ch = m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.states.Publish(ch)

	if IsExpectedDisconnect(err) {
		slog.Info("hub: connection closed", "reason", err)
		return
	}
	slog.Warn("hub: connection error", "error", err)
	m.errs.Publish(err)
}

func (m *Manager) scheduleReconnectLocked() StateChange {
	m.attempts++
	if limit := m.cfg.MaxReconnectAttempts; limit > 0 && m.attempts > limit {
		slog.Error("hub: reconnect attempts exhausted, manual retry required", "attempts", limit)
		return m.transitionLocked(StateFailed)
	}

	delay := reconnectDelay(m.cfg.ReconnectInterval, m.cfg.MaxReconnectInterval, m.attempts, m.cfg.ReconnectJitter)
	m.lastDelay = delay
	attempts := m.attempts
	gen, ctx := m.beginAttemptLocked()
	m.attempts = attempts

	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen || m.closed {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.wg.Add(1)
		m.mu.Unlock()

		defer m.wg.Done()
		m.dial(ctx, gen)
	})
	slog.Info("hub: reconnect scheduled", "attempt", attempts, "delay", delay)
	return m.transitionLocked(StateConnecting)
}

// Send writes one message on the registered session.
func (m *Manager) Send(ctx context.Context, msgType string, payload interface{}) error {
	m.mu.Lock()
	if m.state != StateRegistered || m.conn == nil {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()
	return m.sendOn(ctx, gen, conn, msgType, payload)
}

// sendOn writes on a specific transport. A write error fails the attempt.
func (m *Manager) sendOn(ctx context.Context, gen uint64, conn Transport, msgType string, payload interface{}) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.WriteMessage(wctx, data); err != nil {
		m.handleFailure(gen, err)
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// eventsPayload encodes evs for an events message. Events that fail to
// encode are skipped.
func eventsPayload(evs []event.Event) protocol.EventsPayload {
	raws := make([]json.RawMessage, 0, len(evs))
	for _, ev := range evs {
		b, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("hub: skipping unencodable event", "id", ev.ID(), "error", err)
			continue
		}
		raws = append(raws, b)
	}
	return protocol.EventsPayload{Events: raws}
}

// currentConn returns the registered transport if gen is still current.
func (m *Manager) currentConn(gen uint64) (Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateRegistered || m.conn == nil {
		return nil, false
	}
	return m.conn, true
}
