package client

import (
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig holds the round-based retry schedule used by callers that
// re-issue failed fetches. The client itself performs a single attempt.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry rounds.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry round.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between rounds.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay between rounds (1.0 = fixed delay).
	BackoffMultiplier float64

	// Jitter is the relative randomization applied to each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryConfig returns the default schedule: three rounds with a fixed
// one second delay, matching the upstream's per-second quota window.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 1.0,
	}
}

// ExponentialRetryConfig returns an exponential schedule with ±20% jitter.
func ExponentialRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Validate checks the schedule for values that would stall or spin.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff must not be negative")
	}
	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff multiplier must be >= 1.0 (got %v)", c.BackoffMultiplier)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", c.Jitter)
	}
	return nil
}

// Backoff returns the delay before retry round n (1-based).
func (c RetryConfig) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := float64(c.InitialBackoff)
	for i := 1; i < n; i++ {
		backoff *= c.BackoffMultiplier
		if c.MaxBackoff > 0 && backoff > float64(c.MaxBackoff) {
			backoff = float64(c.MaxBackoff)
			break
		}
	}
	if c.MaxBackoff > 0 && backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		backoff *= 1 - c.Jitter + rand.Float64()*2*c.Jitter
	}
	return time.Duration(backoff)
}
