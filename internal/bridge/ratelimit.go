package bridge

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// commandLimiter enforces a per-plugin token bucket on inbound commands.
type commandLimiter struct {
	limiters sync.Map // plugin id → *rate.Limiter
	r        rate.Limit
	burst    int
}

// newCommandLimiter takes commands per minute. rpm <= 0 disables limiting.
func newCommandLimiter(rpm, burst int) *commandLimiter {
	if burst <= 0 {
		burst = 10
	}
	r := rate.Limit(0)
	if rpm > 0 {
		r = rate.Limit(float64(rpm) / 60.0)
	}
	return &commandLimiter{r: r, burst: burst}
}

func (l *commandLimiter) allow(pluginID string) bool {
	if l.r == 0 {
		return true
	}
	v, ok := l.limiters.Load(pluginID)
	if !ok {
		v, _ = l.limiters.LoadOrStore(pluginID, rate.NewLimiter(l.r, l.burst))
	}
	if !v.(*rate.Limiter).Allow() {
		slog.Warn("bridge: command rate limited", "plugin", pluginID)
		return false
	}
	return true
}
