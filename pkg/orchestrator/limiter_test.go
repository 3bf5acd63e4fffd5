package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdaptiveLimiterClampsInitialToCeiling(t *testing.T) {
	l := newAdaptiveLimiter(10)
	assert.Equal(t, 10, l.Current())

	l = newAdaptiveLimiter(1000)
	assert.Equal(t, defaultInitialLimit, l.Current())
}

func TestAdaptiveLimiterAcquireRelease(t *testing.T) {
	l := newAdaptiveLimiter(2)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))

	acquired := make(chan error, 1)

	go func() {
		acquired <- l.Acquire(ctx)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should have blocked at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire never unblocked after release")
	}
}

func TestAdaptiveLimiterAcquireRespectsCancellation(t *testing.T) {
	l := newAdaptiveLimiter(1)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	cctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)

	go func() {
		errCh <- l.Acquire(cctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire never observed cancellation")
	}
}

func TestAdaptiveLimiterReleaseGrowsLimitUpToCeiling(t *testing.T) {
	l := newAdaptiveLimiter(2)
	l.limit = 1

	require.NoError(t, l.Acquire(context.Background()))
	l.Release()

	assert.Equal(t, 2, l.Current())

	l.mu.Lock()
	l.inFlight = 0
	l.mu.Unlock()

	require.NoError(t, l.Acquire(context.Background()))
	l.Release()

	assert.Equal(t, 2, l.Current(), "limit must never exceed the ceiling")
}

func TestAdaptiveLimiterOnThrottleReducesByThirtyPercent(t *testing.T) {
	l := newAdaptiveLimiter(100)
	l.limit = 60

	now := time.Now()
	l.OnThrottle(now)

	assert.Equal(t, 42, l.Current())
}

func TestAdaptiveLimiterOnThrottleDebounces(t *testing.T) {
	l := newAdaptiveLimiter(100)
	l.limit = 60

	now := time.Now()
	l.OnThrottle(now)
	assert.Equal(t, 42, l.Current())

	l.OnThrottle(now.Add(time.Second))
	assert.Equal(t, 42, l.Current(), "a second throttle within 2s must not further reduce the limit")

	l.OnThrottle(now.Add(3 * time.Second))
	assert.Equal(t, 29, l.Current(), "a throttle after the debounce window must reduce again")
}

func TestAdaptiveLimiterOnThrottleFloorsAtOne(t *testing.T) {
	l := newAdaptiveLimiter(100)
	l.limit = 1

	l.OnThrottle(time.Now())
	assert.Equal(t, 1, l.Current())
}
