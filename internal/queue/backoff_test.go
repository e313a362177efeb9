package queue

import (
	"testing"
	"time"

	"github.com/render-automation/queue-core/internal/platform/config"
)

func TestDelayFixedStaysWithinJitterBound(t *testing.T) {
	base := 1 * time.Second
	max := 10 * time.Second
	for n := 1; n <= 5; n++ {
		d := delay(config.BackoffFixed, base, max, n)
		if d < base || d > base+base/10 {
			t.Fatalf("attempt %d: delay %v out of expected [%v, %v] range", n, d, base, base+base/10)
		}
	}
}

func TestDelayExponentialGrowsAndClamps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond
	prev := time.Duration(0)
	for n := 1; n <= 6; n++ {
		d := delay(config.BackoffExponential, base, max, n)
		if d > max+max/10 {
			t.Fatalf("attempt %d: delay %v exceeds max %v plus jitter", n, d, max)
		}
		if n > 1 && d < prev-prev/5 {
			t.Fatalf("attempt %d: delay %v unexpectedly smaller than previous %v", n, d, prev)
		}
		prev = d
	}
}

func TestDelayLinearScalesWithAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second
	d1 := delay(config.BackoffLinear, base, max, 1)
	d3 := delay(config.BackoffLinear, base, max, 3)
	if d3 < d1*2 {
		t.Fatalf("expected attempt 3 delay (%v) to be notably larger than attempt 1 (%v)", d3, d1)
	}
}
