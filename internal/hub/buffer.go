package hub

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
)

// DropKind selects what happens when the buffer is full.
type DropKind string

const (
	DropOldest DropKind = "drop_oldest" // evict the earliest buffered event
	DropNewest DropKind = "drop_newest" // reject the incoming event
	DropSample DropKind = "sample"      // admit with probability Rate, evicting the oldest
)

// DropPolicy is the overflow rule for the in-memory buffer.
type DropPolicy struct {
	Kind DropKind
	Rate float64 // only for DropSample, in [0,1]
}

func (p DropPolicy) String() string {
	if p.Kind == DropSample {
		return fmt.Sprintf("sample:%g", p.Rate)
	}
	return string(p.Kind)
}

// ParseDropPolicy accepts "drop_oldest", "drop_newest", "sample:0.25" or
// "sample(0.25)".
func ParseDropPolicy(s string) (DropPolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", string(DropOldest), "oldest":
		return DropPolicy{Kind: DropOldest}, nil
	case string(DropNewest), "newest":
		return DropPolicy{Kind: DropNewest}, nil
	}
	if rest, ok := strings.CutPrefix(s, string(DropSample)); ok {
		rest = strings.TrimPrefix(rest, ":")
		rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
		rate, err := strconv.ParseFloat(rest, 64)
		if err != nil || rate < 0 || rate > 1 {
			return DropPolicy{}, fmt.Errorf("invalid sample rate in %q", s)
		}
		return DropPolicy{Kind: DropSample, Rate: rate}, nil
	}
	return DropPolicy{}, fmt.Errorf("unknown drop policy %q", s)
}

type entry struct {
	seq uint64
	ev  event.Event
}

// ringBuffer is a fixed-capacity FIFO of events. Each admitted event gets a
// monotonically increasing sequence number so a flush can remove exactly
// what it sent even if overflow evicted part of the batch meanwhile.
type ringBuffer struct {
	mu      sync.Mutex
	items   []entry
	head    int
	size    int
	nextSeq uint64
	policy  DropPolicy
	dropped uint64
	rnd     func() float64
}

func newRingBuffer(capacity int, policy DropPolicy) *ringBuffer {
	return &ringBuffer{
		items:  make([]entry, capacity),
		policy: policy,
		rnd:    rand.Float64,
	}
}

func (b *ringBuffer) setPolicy(p DropPolicy) {
	b.mu.Lock()
	b.policy = p
	b.mu.Unlock()
}

// push admits ev subject to the drop policy and reports whether it was kept.
func (b *ringBuffer) push(ev event.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.items) {
		switch b.policy.Kind {
		case DropNewest:
			b.dropped++
			return false
		case DropSample:
			if b.rnd() >= b.policy.Rate {
				b.dropped++
				return false
			}
			b.popFrontLocked()
			b.dropped++
		default:
			b.popFrontLocked()
			b.dropped++
		}
	}
	b.pushBackLocked(ev)
	return true
}

func (b *ringBuffer) pushBackLocked(ev event.Event) {
	idx := (b.head + b.size) % len(b.items)
	b.items[idx] = entry{seq: b.nextSeq, ev: ev}
	b.nextSeq++
	b.size++
}

func (b *ringBuffer) popFrontLocked() {
	b.items[b.head] = entry{}
	b.head = (b.head + 1) % len(b.items)
	b.size--
}

// peek returns up to n of the oldest entries without removing them.
func (b *ringBuffer) peek(n int) []entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = min(n, b.size)
	out := make([]entry, n)
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// removeThrough drops every entry with seq <= last and returns how many.
func (b *ringBuffer) removeThrough(last uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for b.size > 0 && b.items[b.head].seq <= last {
		b.popFrontLocked()
		removed++
	}
	return removed
}

// drain empties the buffer and returns its events oldest first.
func (b *ringBuffer) drain() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Event, b.size)
	for i := range out {
		out[i] = b.items[(b.head+i)%len(b.items)].ev
	}
	for b.size > 0 {
		b.popFrontLocked()
	}
	return out
}

// prepend puts evs back in front of the current contents. If the result
// exceeds capacity the oldest events are dropped.
func (b *ringBuffer) prepend(evs []event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := make([]event.Event, 0, len(evs)+b.size)
	all = append(all, evs...)
	for i := 0; i < b.size; i++ {
		all = append(all, b.items[(b.head+i)%len(b.items)].ev)
	}
	if over := len(all) - len(b.items); over > 0 {
		b.dropped += uint64(over)
		all = all[over:]
	}

	for b.size > 0 {
		b.popFrontLocked()
	}
	b.head = 0
	for _, ev := range all {
		b.pushBackLocked(ev)
	}
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *ringBuffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
