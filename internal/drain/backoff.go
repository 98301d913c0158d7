// ABOUTME: Exponential backoff with additive jitter, bounded by a cap
// ABOUTME: Used after transport failures while draining the outbox

package drain

import (
	"math/rand/v2"
	"time"
)

// maxJitter is the largest fraction of the delay added as jitter.
const maxJitter = 0.2

// maxUncapped bounds delays when no Cap is set.
const maxUncapped = time.Hour

// Backoff computes retry delays: min(Cap, Base*2^attempts) plus up to 20%
// random jitter. Jitter is only ever added, and the result never exceeds Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the delay to wait after a failure, given the number of
// prior failures (0-based). A zero Cap bounds delays at maxUncapped.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	limit := b.Cap
	if limit <= 0 {
		limit = maxUncapped
	}

	delay := min(b.Base, limit)
	for i := 0; i < attempts && delay < limit; i++ {
		if delay > limit/2 {
			delay = limit
			break
		}
		delay *= 2
	}

	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	jitter := time.Duration(float64(delay) * maxJitter * r())
	if jitter > limit-delay {
		return limit
	}
	return delay + jitter
}
