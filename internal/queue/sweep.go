package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// RunExpirySweep expires old rows on the given cron schedule until ctx is
// cancelled. An empty expr disables the sweep and returns immediately.
func (q *Queue) RunExpirySweep(ctx context.Context, expr string) error {
	if expr == "" {
		return nil
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid sweep schedule %q", expr)
	}

	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next sweep: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-q.closed:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		n, err := q.Expire(ctx)
		if err != nil {
			slog.Warn("queue: expiry sweep failed", "error", err)
			continue
		}
		if n > 0 {
			slog.Info("queue: expiry sweep", "expired", n)
		}
	}
}
