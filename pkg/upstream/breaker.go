package upstream

import (
	"sync"
	"time"
)

// breakerTimeNow allows tests to mock the clock the breaker reads from.
//
//nolint:gochecknoglobals
var breakerTimeNow = time.Now

const (
	// DefaultBreakerThreshold is the number of consecutive KindFatal
	// outcomes (spec §4.3: 400 without the ISO-8601 whitelist, or 401) a
	// Fetcher tolerates before its breaker opens.
	DefaultBreakerThreshold = 5

	// DefaultBreakerTimeout is how long an open breaker blocks attempts
	// before allowing a single half-open probe through.
	DefaultBreakerTimeout = 1 * time.Minute
)

// breaker trips after DefaultBreakerThreshold consecutive KindFatal fetch
// outcomes (e.g. a revoked API key producing 401 on every offset), so a
// multi-thousand-slice plan doesn't burn through every slice's retry
// budget against an upstream that will never succeed — a failure mode the
// original Python client has no defense against. It speaks this package's
// own ErrorKind vocabulary rather than generic success/failure booleans:
// recordOutcome classifies the error with Classify, and only a KindFatal
// outcome moves it. KindTransient is ignored because Fetch's own retry
// loop already absorbs transient failures before recordOutcome ever sees
// them fail outright; KindCancelled and KindLogic say nothing about the
// upstream's health and are ignored too.
type breaker struct {
	mu sync.Mutex

	consecutiveFatal int
	threshold        int
	timeout          time.Duration
	openedAt         time.Time
}

// newBreaker creates a breaker. threshold <= 0 and timeout <= 0 fall back
// to DefaultBreakerThreshold/DefaultBreakerTimeout.
func newBreaker(threshold int, timeout time.Duration) *breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}

	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}

	return &breaker{threshold: threshold, timeout: timeout}
}

// recordOutcome folds the result of one fetch attempt into the breaker. A
// successful attempt (err == nil) resets the consecutive-fatal count; a
// KindFatal error (per Classify) counts toward the threshold; every other
// ErrorKind is ignored.
func (b *breaker) recordOutcome(err error) {
	if err == nil {
		b.mu.Lock()
		b.consecutiveFatal = 0
		b.openedAt = time.Time{}
		b.mu.Unlock()

		return
	}

	if Classify(err) != KindFatal {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFatal++

	if b.consecutiveFatal >= b.threshold {
		b.openedAt = breakerTimeNow()
	}
}

// isOpen reports whether the breaker is currently blocking requests
// against the HTTPError history that tripped it. Once the timeout has
// elapsed it reports closed again for exactly one caller, at which point
// Fetch's own attempt will call recordOutcome and either close the breaker
// for good (on success) or reopen it immediately (on another KindFatal).
func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return false
	}

	if breakerTimeNow().Sub(b.openedAt) >= b.timeout {
		b.openedAt = breakerTimeNow()

		return false
	}

	return true
}
