// Package backoff provides retry-delay calculation for polling loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialJitter doubles base per attempt, caps at max, and spreads
// the result by +/-20% so a fleet of pollers does not thunder in step.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mul := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(base) * mul)
	if d > max || d < 0 {
		d = max
	}

	jitter := time.Duration(float64(d) * 0.2)
	if jitter <= 0 {
		return d
	}
	return d - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
}
