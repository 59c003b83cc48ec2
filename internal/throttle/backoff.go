package throttle

import (
	"math/rand/v2"
	"time"
)

// CalculateBackoff returns the delay before retry number retryCount
// (0 for the first retry): min(base*2^retryCount, max) scaled by a uniform
// jitter in [0.5, 1.0]. The result never exceeds max.
func CalculateBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	if d > max {
		d = max
	}
	for i := 0; i < retryCount && d < max; i++ {
		d *= 2
		if d >= max || d <= 0 {
			d = max
		}
	}
	j := 0.5 + rand.Float64()*0.5
	d = time.Duration(float64(d) * j)
	if d > max {
		d = max
	}
	return d
}
