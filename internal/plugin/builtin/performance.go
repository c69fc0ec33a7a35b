package builtin

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/debugprobe/internal/event"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
)

const defaultSampleInterval = 5 * time.Second

// PerformancePlugin samples the agent process's own memory use and
// goroutine count and feeds them into the DebugEvent stream.
type PerformancePlugin struct {
	plugin.Base

	interval atomic.Int64 // nanoseconds
	paused   atomic.Bool
	emit     func(event.Event) bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPerformance() *PerformancePlugin {
	p := &PerformancePlugin{emit: event.Emit}
	p.interval.Store(int64(defaultSampleInterval))
	return p
}

func (p *PerformancePlugin) ID() string          { return IDPerf }
func (p *PerformancePlugin) DisplayName() string { return "Performance" }
func (p *PerformancePlugin) Version() string     { return "1.0.0" }

func (p *PerformancePlugin) Initialize(ctx context.Context, host plugin.Host) error {
	p.Base.Initialize(ctx, host)
	var opts struct {
		IntervalMs int64 `json:"intervalMs"`
	}
	if raw := host.Config().Options; len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return err
		}
	}
	if opts.IntervalMs > 0 {
		p.interval.Store(int64(time.Duration(opts.IntervalMs) * time.Millisecond))
	}
	return nil
}

func (p *PerformancePlugin) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.paused.Store(false)
	go p.loop(ctx, p.done)
	return nil
}

func (p *PerformancePlugin) Stop(context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (p *PerformancePlugin) Pause(context.Context) error {
	p.paused.Store(true)
	return nil
}

func (p *PerformancePlugin) Resume(context.Context) error {
	p.paused.Store(false)
	return nil
}

func (p *PerformancePlugin) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(time.Duration(p.interval.Load()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !p.paused.Load() {
			p.sample()
		}
		timer.Reset(time.Duration(p.interval.Load()))
	}
}

func (p *PerformancePlugin) sample() bool {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	ev, err := event.NewPerformance(event.PerformancePayload{
		MemoryMB:   float64(ms.HeapAlloc) / (1 << 20),
		Goroutines: runtime.NumGoroutine(),
		GCPauseMs:  float64(ms.PauseNs[(ms.NumGC+255)%256]) / 1e6,
	})
	if err != nil {
		return false
	}
	return p.emit(ev)
}

func (p *PerformancePlugin) HandleCommand(_ context.Context, cmd plugin.Command) plugin.CommandResponse {
	switch cmd.Type {
	case "set_interval":
		var req struct {
			IntervalMs int64 `json:"intervalMs"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.IntervalMs <= 0 {
			return plugin.Fail(cmd, "set_interval needs a positive intervalMs")
		}
		p.interval.Store(int64(time.Duration(req.IntervalMs) * time.Millisecond))
		return plugin.Succeed(cmd, req)

	case "sample_now":
		if !p.sample() {
			return plugin.Fail(cmd, "sample dropped")
		}
		return plugin.Succeed(cmd, nil)

	default:
		return plugin.Fail(cmd, "performance: unknown command %q", cmd.Type)
	}
}
