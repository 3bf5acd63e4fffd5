package upstream

import (
	"math/rand/v2"
	"time"
)

// throttleBackOff implements cenkalti/backoff/v5's BackOff interface with
// the exact policy from spec §4.3: wait 2^attempts + U[0,1) seconds between
// attempts, or 61s flat if the most recent failure was an HTTP 429. The
// 429 flag is set by the fetch operation right before it returns the
// retryable error for that attempt and consumed by the very next
// NextBackOff call, which is safe because backoff.Retry drives operation
// and NextBackOff strictly sequentially on one goroutine.
type throttleBackOff struct {
	attempts int
	throttled bool
}

// newThrottleBackOff returns a fresh backoff counter for one fetch call.
func newThrottleBackOff() *throttleBackOff {
	return &throttleBackOff{}
}

// MarkThrottled records that the attempt which just failed returned a 429,
// so the next backoff interval uses the longer, fixed throttle delay
// instead of the exponential one.
func (b *throttleBackOff) MarkThrottled() { b.throttled = true }

// Reset returns the counter to its initial state; backoff.Retry calls it
// once before the first attempt.
func (b *throttleBackOff) Reset() {
	b.attempts = 0
	b.throttled = false
}

// NextBackOff returns the delay before the next attempt and advances the
// attempt counter.
func (b *throttleBackOff) NextBackOff() time.Duration {
	b.attempts++

	if b.throttled {
		b.throttled = false

		return 61 * time.Second
	}

	jitter := time.Duration(rand.Int64N(int64(time.Second)))

	//nolint:gosec // attempts is bounded by WithMaxTries(5); no overflow risk.
	return (time.Duration(1)<<uint(b.attempts))*time.Second + jitter
}
