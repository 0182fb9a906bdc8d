package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	base := 10 * time.Millisecond
	max := 80 * time.Millisecond

	require.Equal(t, 10*time.Millisecond, nextBackoff(base, max, 0))
	require.Equal(t, 20*time.Millisecond, nextBackoff(base, max, 1))
	require.Equal(t, 40*time.Millisecond, nextBackoff(base, max, 2))
	require.Equal(t, 80*time.Millisecond, nextBackoff(base, max, 3))
	require.Equal(t, 80*time.Millisecond, nextBackoff(base, max, 10))
}

func TestNextBackoffUncapped(t *testing.T) {
	t.Parallel()

	require.Equal(t, 40*time.Millisecond, nextBackoff(10*time.Millisecond, 0, 2))
}

func TestRunLoopRecoversAfterFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		runLoop(ctx, "test", time.Millisecond, 10*time.Millisecond, zap.NewNop(), func(context.Context) error {
			n := ticks.Add(1)
			if n == 1 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return ticks.Load() >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on context cancellation")
	}
}
