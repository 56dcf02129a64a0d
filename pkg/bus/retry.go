package bus

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig is the resilient execute path's retry policy.
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// DelayForAttempt computes the backoff delay before attempt k+1, given that
// attempt k (1-indexed) just failed. raw = min(initial*base^(k-1), max);
// with jitter, the result is uniform(0, raw) (full jitter).
func (c RetryConfig) DelayForAttempt(k int) time.Duration {
	raw := float64(c.InitialDelay) * math.Pow(c.ExponentialBase, float64(k-1))
	if raw > float64(c.MaxDelay) {
		raw = float64(c.MaxDelay)
	}
	if raw < 0 {
		raw = 0
	}
	if !c.Jitter {
		return time.Duration(raw)
	}
	return time.Duration(rand.Float64() * raw)
}
