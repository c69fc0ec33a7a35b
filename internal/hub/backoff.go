package hub

import (
	"math/rand/v2"
	"time"
)

// reconnectDelay returns the wait before reconnect attempt n (1-based):
// min(base * 2^(n-1), max), then ±jitter as a fraction of the delay.
func reconnectDelay(base, max time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}

	if jitter > 0 {
		spread := time.Duration(float64(delay) * jitter)
		if spread > 0 {
			delay += time.Duration(rand.Int64N(int64(spread*2))) - spread
		}
	}
	return delay
}
