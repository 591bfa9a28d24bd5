package client

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether and when to retry after a failed handshake.
// attempt is the 1-based number of the attempt that just failed.
type RetryPolicy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// ImmediateRetry retries at once, forever.
type ImmediateRetry struct{}

func (ImmediateRetry) Next(int) (time.Duration, bool) { return 0, true }

// BackoffRetry grows the delay exponentially from Initial, capped at Max.
// With Jitter the delay is scaled by a random factor in [0.5, 1.5).
// MaxAttempts of zero retries forever.
type BackoffRetry struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	Jitter      bool
	MaxAttempts int
}

func (b BackoffRetry) Next(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}
	if b.Initial <= 0 {
		return 0, true
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay), true
}
