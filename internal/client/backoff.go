package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff decides how long to wait before each reconnect attempt
type Backoff interface {
	// NextDelay returns the delay before attempt (0-based) and whether to
	// keep trying
	NextDelay(attempt int) (time.Duration, bool)
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay, with optional symmetric jitter
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts of 0 retries forever
	MaxAttempts  int
	JitterFactor float64
}

// NewExponentialBackoff returns a backoff starting at 500ms and capped at 30s
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// NextDelay implements Backoff
func (b *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return 0, false
	}

	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.InitialDelay)
		}
	}

	return time.Duration(delay), true
}
