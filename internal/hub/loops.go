package hub

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
	"github.com/nextlevelbuilder/debugprobe/internal/queue"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
			m.flush(m.rootCtx)
		}
	}
}

// flush sends one batch when registered. Offline, the whole buffer moves
// to the persistence queue if there is one; otherwise events stay buffered
// and the drop policy bounds memory.
func (m *Manager) flush(ctx context.Context) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	if conn, ok := m.currentConn(gen); ok {
		m.flushBatch(ctx, gen, conn)
		return
	}
	if m.persisting() {
		m.spill(ctx)
	}
}

func (m *Manager) flushBatch(ctx context.Context, gen uint64, conn Transport) {
	batch := m.buf.peek(m.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "hub.flush", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.Int("hub.batch.size", len(batch)))

	evs := make([]event.Event, len(batch))
	for i, e := range batch {
		evs[i] = e.ev
	}
	if err := m.sendOn(ctx, gen, conn, protocol.TypeEvents, eventsPayload(evs)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		slog.Debug("hub: flush failed, batch retained", "events", len(batch), "error", err)
		return
	}
	m.buf.removeThrough(batch[len(batch)-1].seq)
	m.sent.Add(uint64(len(batch)))
}

// spill moves every buffered event to the persistence queue. On failure the
// events go back to the front of the buffer.
func (m *Manager) spill(ctx context.Context) {
	evs := m.buf.drain()
	if len(evs) == 0 {
		return
	}
	if err := m.store.Enqueue(ctx, evs...); err != nil {
		m.buf.prepend(evs)
		slog.Warn("hub: spill to queue failed", "events", len(evs), "error", err)
		return
	}
	m.spilled.Add(uint64(len(evs)))
	slog.Debug("hub: spilled to queue", "events", len(evs))

	// The session may have registered while the spill was in flight and
	// already found the queue empty.
	m.mu.Lock()
	if m.state == StateRegistered && !m.closed {
		if m.recoveryGen == m.gen {
			m.recoveryRerun = true
		} else {
			m.startRecoveryLocked(m.connCtx, m.gen)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conn, ok := m.currentConn(gen)
		if !ok {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
		err := conn.Ping(pctx)
		cancel()
		if err != nil {
			slog.Warn("hub: heartbeat ping failed", "error", err)
			m.handleFailure(gen, err)
			return
		}
		if err := m.sendOn(ctx, gen, conn, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Timestamp: protocol.Now()}); err != nil {
			return
		}
	}
}

// startRecoveryLocked begins draining the persistence queue for session gen.
// At most one recovery loop runs per session.
func (m *Manager) startRecoveryLocked(ctx context.Context, gen uint64) {
	if !m.persisting() || m.recoveryGen == gen {
		return
	}
	m.recoveryGen = gen
	m.recoveryRerun = false
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.recoveryLoop(ctx, gen)
	}()
}

func (m *Manager) recoveryLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.endRecovery(gen, false)
			return
		case <-ticker.C:
		}

		conn, ok := m.currentConn(gen)
		if !ok {
			m.endRecovery(gen, false)
			return
		}
		more, err := m.recoverBatch(ctx, gen, conn)
		if err != nil {
			m.endRecovery(gen, false)
			slog.Warn("hub: recovery stopped", "error", err)
			return
		}
		if !more && m.endRecovery(gen, true) {
			slog.Debug("hub: recovery complete")
			return
		}
	}
}

// endRecovery marks the recovery loop of session gen as finished. When the
// queue was drained but a spill committed since, it reports false and the
// loop keeps going.
func (m *Manager) endRecovery(gen uint64, drained bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recoveryGen != gen {
		return true
	}
	if drained && m.recoveryRerun {
		m.recoveryRerun = false
		return false
	}
	m.recoveryGen = 0
	m.recoveryRerun = false
	return true
}

// recoverBatch sends one batch from the queue. A failed send puts the batch
// back with its retry count bumped.
func (m *Manager) recoverBatch(ctx context.Context, gen uint64, conn Transport) (bool, error) {
	recs, err := m.store.DequeueBatch(ctx, m.cfg.RecoveryBatchSize)
	if err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, nil
	}

	ctx, span := tracer.Start(ctx, "hub.recover", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.Int("hub.batch.size", len(recs)))

	evs := make([]event.Event, len(recs))
	for i, r := range recs {
		evs[i] = r.Event
	}
	if err := m.sendOn(ctx, gen, conn, protocol.TypeEvents, eventsPayload(evs)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		m.requeue(ctx, recs)
		return false, err
	}
	m.recovered.Add(uint64(len(recs)))
	slog.Debug("hub: recovered batch", "events", len(recs))
	return true, nil
}

func (m *Manager) requeue(ctx context.Context, recs []queue.Record) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Requeue(rctx, recs); err != nil {
		slog.Error("hub: requeue after failed recovery lost events", "events", len(recs), "error", err)
	}
}
