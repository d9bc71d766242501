package hosting

import (
	"math/rand"
	"time"
)

// JitteredBackoff computes the delay before retry number attempt
// (0-based): base doubled per attempt, capped at max, with up to 25%
// random jitter added. Shared by the queue sweepers, the merge-gate
// poller and the worker retry paths so backoff behaves uniformly.
func JitteredBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
