package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoffBounds(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	maxD := 5 * time.Second
	for retry := 0; retry < 12; retry++ {
		ceiling := base << retry
		if ceiling > maxD {
			ceiling = maxD
		}
		for i := 0; i < 50; i++ {
			d := CalculateBackoff(retry, base, maxD)
			assert.LessOrEqual(t, d, maxD)
			assert.LessOrEqual(t, d, ceiling)
			assert.GreaterOrEqual(t, d, ceiling/2, "retry %d", retry)
		}
	}
}

func TestCalculateBackoffJitterVaries(t *testing.T) {
	t.Parallel()
	seen := map[time.Duration]struct{}{}
	for i := 0; i < 10; i++ {
		seen[CalculateBackoff(3, time.Second, time.Minute)] = struct{}{}
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestCalculateBackoffGrowsInExpectation(t *testing.T) {
	t.Parallel()
	const samples = 400
	var prev time.Duration
	for retry := 0; retry < 8; retry++ {
		var sum time.Duration
		for i := 0; i < samples; i++ {
			sum += CalculateBackoff(retry, 50*time.Millisecond, 2*time.Second)
		}
		mean := sum / samples
		// Means of jittered samples wobble; allow a small tolerance once the cap is reached.
		assert.GreaterOrEqual(t, float64(mean), float64(prev)*0.9, "retry %d", retry)
		prev = mean
	}
}

func TestCalculateBackoffDegenerateInputs(t *testing.T) {
	t.Parallel()
	assert.Zero(t, CalculateBackoff(1, 0, time.Second))
	assert.Zero(t, CalculateBackoff(1, time.Second, 0))
	assert.LessOrEqual(t, CalculateBackoff(-3, time.Second, 2*time.Second), time.Second)
	assert.LessOrEqual(t, CalculateBackoff(1000, time.Second, 3*time.Second), 3*time.Second)
}
