package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// nextBackoff doubles the interval per consecutive failed tick, capped at
// max. Zero failures yields the base interval.
func nextBackoff(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}

// runLoop drives one manager's tick function until the context is
// cancelled. A failed tick lengthens the delay before the next one; a
// successful tick restores the base interval. A tick never kills the loop.
func runLoop(ctx context.Context, name string, base, max time.Duration, logger *zap.Logger, tick func(context.Context) error) {
	timer := time.NewTimer(base)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := tick(ctx); err != nil {
			failures++
			logger.Warn("loop tick failed",
				zap.String("loop", name),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
		} else {
			failures = 0
		}

		timer.Reset(nextBackoff(base, max, failures))
	}
}
