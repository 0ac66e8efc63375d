package executor

import (
	"math/rand"
	"time"
)

// Backoff computes the retry delay for the given claim attempt (1-based):
// min(base·2^(attempt−1), max) with ±jitter fraction of uniform noise.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the jittered backoff for attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		noise := (rand.Float64()*2 - 1) * b.Jitter // in [-jitter, +jitter]
		d = time.Duration(float64(d) * (1 + noise))
	}
	return d
}
