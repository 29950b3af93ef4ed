package replicate

import (
	"math/rand"
	"time"
)

// retryDelay computes the delay before retry attempt n (n >= 1): exponential
// growth from base, capped at max, with +/-25% jitter so a burst of failed
// tasks does not retry in lockstep.
func retryDelay(base, max time.Duration, n int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}

	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// Jitter in [0.75, 1.25).
	factor := 0.75 + rng.Float64()*0.5
	j := time.Duration(float64(d) * factor)
	if j > max {
		j = max
	}
	return j
}
