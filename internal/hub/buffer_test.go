package hub

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
)

func bufEvents(t *testing.T, n int) []event.Event {
	t.Helper()
	evs, _ := mustEvents(t, n)
	return evs
}

func bufIDs(entries []entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ev.ID()
	}
	return out
}

func TestRingBuffer_DropOldest(t *testing.T) {
	b := newRingBuffer(3, DropPolicy{Kind: DropOldest})
	evs := bufEvents(t, 5)
	for _, ev := range evs {
		if !b.push(ev) {
			t.Fatal("drop_oldest must always admit")
		}
	}
	got := bufIDs(b.peek(10))
	want := []string{evs[2].ID(), evs[3].ID(), evs[4].ID()}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("contents = %v, want %v", got, want)
		}
	}
	if b.droppedCount() != 2 {
		t.Errorf("dropped = %d, want 2", b.droppedCount())
	}
}

func TestRingBuffer_DropNewest(t *testing.T) {
	b := newRingBuffer(2, DropPolicy{Kind: DropNewest})
	evs := bufEvents(t, 3)
	b.push(evs[0])
	b.push(evs[1])
	if b.push(evs[2]) {
		t.Fatal("drop_newest admitted into a full buffer")
	}
	got := bufIDs(b.peek(10))
	if len(got) != 2 || got[0] != evs[0].ID() || got[1] != evs[1].ID() {
		t.Errorf("contents = %v", got)
	}
}

func TestRingBuffer_Sample(t *testing.T) {
	b := newRingBuffer(1, DropPolicy{Kind: DropSample, Rate: 0.5})
	evs := bufEvents(t, 3)
	b.push(evs[0])

	b.rnd = func() float64 { return 0.9 }
	if b.push(evs[1]) {
		t.Error("sample above rate admitted")
	}
	b.rnd = func() float64 { return 0.1 }
	if !b.push(evs[2]) {
		t.Error("sample below rate rejected")
	}
	if got := bufIDs(b.peek(1)); got[0] != evs[2].ID() {
		t.Errorf("head = %s, want newest", got[0])
	}
	if b.droppedCount() != 2 {
		t.Errorf("dropped = %d, want 2", b.droppedCount())
	}
}

func TestRingBuffer_RemoveThroughAfterEviction(t *testing.T) {
	b := newRingBuffer(3, DropPolicy{Kind: DropOldest})
	evs := bufEvents(t, 5)
	for _, ev := range evs[:3] {
		b.push(ev)
	}
	batch := b.peek(2) // seq 0,1

	// Overflow evicts seq 0 while the batch is in flight.
	b.push(evs[3])

	if n := b.removeThrough(batch[len(batch)-1].seq); n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	got := bufIDs(b.peek(10))
	if len(got) != 2 || got[0] != evs[2].ID() || got[1] != evs[3].ID() {
		t.Errorf("contents = %v", got)
	}
}

func TestRingBuffer_PrependOverflowDropsOldest(t *testing.T) {
	b := newRingBuffer(3, DropPolicy{Kind: DropOldest})
	evs := bufEvents(t, 4)
	b.push(evs[3])
	b.prepend(evs[:3])

	got := bufIDs(b.peek(10))
	want := []string{evs[1].ID(), evs[2].ID(), evs[3].ID()}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("contents = %v, want %v", got, want)
		}
	}
	if b.droppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", b.droppedCount())
	}
}

func TestRingBuffer_Drain(t *testing.T) {
	b := newRingBuffer(4, DropPolicy{Kind: DropOldest})
	evs := bufEvents(t, 3)
	for _, ev := range evs {
		b.push(ev)
	}
	out := b.drain()
	if len(out) != 3 || out[0].ID() != evs[0].ID() {
		t.Fatalf("drain = %d events", len(out))
	}
	if b.len() != 0 {
		t.Errorf("len after drain = %d", b.len())
	}
}

func TestParseDropPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DropPolicy
		wantErr bool
	}{
		{"", DropPolicy{Kind: DropOldest}, false},
		{"drop_oldest", DropPolicy{Kind: DropOldest}, false},
		{"DROP_NEWEST", DropPolicy{Kind: DropNewest}, false},
		{"sample:0.25", DropPolicy{Kind: DropSample, Rate: 0.25}, false},
		{"sample(0.5)", DropPolicy{Kind: DropSample, Rate: 0.5}, false},
		{"sample:2", DropPolicy{}, true},
		{"random", DropPolicy{}, true},
	}
	for _, tt := range tests {
		got, err := ParseDropPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDropPolicy(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDropPolicy(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got := reconnectDelay(2*time.Second, 30*time.Second, i+1, 0)
		if got != w*time.Second {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w*time.Second)
		}
	}
}

func TestReconnectDelay_JitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := reconnectDelay(time.Second, 10*time.Second, 1, 0.2)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("delay %v outside ±20%%", d)
		}
	}
}
