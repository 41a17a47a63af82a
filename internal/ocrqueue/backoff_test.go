package ocrqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	prev := time.Duration(0)
	for n := 1; n <= 6; n++ {
		d := backoff(n, base, max)
		floor := base * time.Duration(1<<uint(n-1))
		if floor > max {
			floor = max
		}
		assert.LessOrEqual(t, d, max)
		assert.GreaterOrEqual(t, d, floor, "attempt %d floor", n)
		if n > 1 {
			assert.GreaterOrEqual(t, d, prev, "attempt %d should not be shorter than the previous attempt's floor", n)
		}
		prev = floor
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	d := backoff(20, 100*time.Millisecond, time.Second)
	assert.Equal(t, time.Second, d)
}

func TestBackoffTreatsNonPositiveAttemptAsFirst(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second
	d := backoff(0, base, max)
	assert.GreaterOrEqual(t, d, base)
	assert.Less(t, d, base+base/2+time.Millisecond)
}
