package event

import (
	"log/slog"
	"sync/atomic"
)

// Sink accepts events from producers. Accept must not block.
type Sink interface {
	Accept(ev Event) bool
}

var sink atomic.Pointer[Sink]

// SetSink installs the destination for Emit. Passing nil detaches it;
// subsequent emits are dropped until a new sink is installed.
func SetSink(s Sink) {
	if s == nil {
		sink.Store(nil)
		return
	}
	sink.Store(&s)
}

// Emit is the producer hook every capability module calls. It reports
// whether the event was admitted.
func Emit(ev Event) bool {
	p := sink.Load()
	if p == nil {
		slog.Debug("event: no sink installed, dropping", "id", ev.ID(), "category", ev.Category())
		return false
	}
	return (*p).Accept(ev)
}
