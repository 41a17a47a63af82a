package ocrqueue

import (
	"math/rand"
	"time"
)

// backoff implements spec §4.3: backoff(n) = min(base*2^(n-1) + jitter, max),
// jitter in [0, base/2]. n is the retry_count after incrementing.
func backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	// Double base n-1 times, stopping once max is reached, as a guard
	// against overflow for pathological retry counts.
	d := base
	for i := 1; i < n && d < max; i++ {
		d *= 2
	}
	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}
