package queue

import (
	"math/rand"
	"time"

	"github.com/render-automation/queue-core/internal/platform/config"
)

// delay computes the wait before attempt number n (1-indexed: n=1 is the
// delay before the second attempt) under strategy, clamped to maxDelay and
// perturbed by up to 10% uniform jitter so many simultaneously-failing jobs
// of the same type don't all wake up on the same tick (spec.md §4.2).
func delay(strategy config.BackoffStrategy, base, maxDelay time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch strategy {
	case config.BackoffFixed:
		d = base
	case config.BackoffLinear:
		d = base * time.Duration(n)
	case config.BackoffExponential:
		d = base << uint(n-1)
	default:
		d = base
	}
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	if jitterMax := int64(float64(d) * 0.1); jitterMax > 0 {
		d += time.Duration(rand.Int63n(jitterMax))
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
