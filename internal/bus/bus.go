// Package bus provides typed publish/subscribe topics used to wire
// components together. A topic may have any number of subscribers; they are
// invoked in subscription order, outside the topic's lock.
package bus

import (
	"log/slog"
	"sync"
)

// Handler receives one published value. Handlers should not block.
type Handler[T any] func(T)

type subscriber[T any] struct {
	id      string
	handler Handler[T]
}

// Topic fans out values of type T to its subscribers.
// The zero value is ready to use.
type Topic[T any] struct {
	name string
	subs []subscriber[T]
	mu   sync.RWMutex
}

// NewTopic creates a named topic. The name is only used in logs.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Subscribe registers handler under id. Subscribing again with the same id
// replaces the previous handler in place.
func (t *Topic[T]) Subscribe(id string, handler Handler[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.subs {
		if t.subs[i].id == id {
			t.subs[i].handler = handler
			return
		}
	}
	t.subs = append(t.subs, subscriber[T]{id: id, handler: handler})
}

// Unsubscribe removes the subscriber with the given id, if any.
func (t *Topic[T]) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.subs {
		if t.subs[i].id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Publish delivers v to every subscriber. A panicking handler is logged and
// does not prevent delivery to the remaining subscribers.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.RUnlock()

	for _, s := range subs {
		t.deliver(s, v)
	}
}

func (t *Topic[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panicked", "topic", t.name, "subscriber", s.id, "panic", r)
		}
	}()
	s.handler(v)
}
