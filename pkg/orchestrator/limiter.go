package orchestrator

import (
	"context"
	"sync"
	"time"
)

const (
	defaultInitialLimit = 60
	minLimit             = 1

	// throttleDebounce ensures a burst of 429s within the window only cuts
	// the limit once, per spec §4.4 and §8 "Adaptive limit".
	throttleDebounce = 2 * time.Second

	// throttleFactorNum/Den implement the limit * 7/10 reduction.
	throttleFactorNum = 7
	throttleFactorDen = 10
)

// adaptiveLimiter is a single mutable integer, protected by a lock, shared
// by every in-flight fetch goroutine. It implements a bounded semaphore
// whose capacity can grow (on every successful drain, up to a ceiling) or
// shrink (on a 429, debounced to once per 2s), per spec §4.4/§9.
type adaptiveLimiter struct {
	mu sync.Mutex
	cond *sync.Cond

	limit       int
	ceiling     int
	inFlight    int
	lastThrottle time.Time
}

// newAdaptiveLimiter creates a limiter starting at the lesser of
// defaultInitialLimit and ceiling, floored at 1.
func newAdaptiveLimiter(ceiling int) *adaptiveLimiter {
	if ceiling < minLimit {
		ceiling = minLimit
	}

	initial := defaultInitialLimit
	if initial > ceiling {
		initial = ceiling
	}

	l := &adaptiveLimiter{limit: initial, ceiling: ceiling}
	l.cond = sync.NewCond(&l.mu)

	return l
}

// Acquire blocks until a slot is available or ctx is done.
func (l *adaptiveLimiter) Acquire(ctx context.Context) error {
	done := make(chan struct{})

	// Wake the condition variable's waiters if the context is cancelled
	// while they're blocked, since sync.Cond has no native ctx support.
	stop := context.AfterFunc(ctx, func() {
		close(done)
		l.cond.Broadcast()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	for l.inFlight >= l.limit {
		select {
		case <-done:
			return ctx.Err()
		default:
		}

		l.cond.Wait()

		select {
		case <-done:
			return ctx.Err()
		default:
		}
	}

	l.inFlight++

	return nil
}

// Release frees a slot and, because a slot just drained successfully,
// grows the limit by one up to the ceiling (spec §4.4 "On every successful
// drain the limit increments by 1").
func (l *adaptiveLimiter) Release() {
	l.mu.Lock()

	l.inFlight--

	if l.limit < l.ceiling {
		l.limit++
	}

	l.mu.Unlock()
	l.cond.Broadcast()
}

// ReleaseWithoutGrowth frees a slot without growing the limit, used when
// the task that held it failed rather than succeeded.
func (l *adaptiveLimiter) ReleaseWithoutGrowth() {
	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
	l.cond.Broadcast()
}

// OnThrottle reduces the limit by 30%, floored at 1, debounced to at most
// once per throttleDebounce window so a burst of 429s doesn't collapse the
// limit (spec §8 "a second 429 within 2s does not further reduce it").
func (l *adaptiveLimiter) OnThrottle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastThrottle) < throttleDebounce {
		return
	}

	l.lastThrottle = now

	newLimit := l.limit * throttleFactorNum / throttleFactorDen
	if newLimit < minLimit {
		newLimit = minLimit
	}

	l.limit = newLimit
}

// Current returns the current limit, for metrics and tests.
func (l *adaptiveLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.limit
}
