package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryConfigDelayForAttemptExponentialWithoutJitter(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:      5,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          false,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.DelayForAttempt(1))
	assert.Equal(t, 200*time.Millisecond, cfg.DelayForAttempt(2))
	assert.Equal(t, 400*time.Millisecond, cfg.DelayForAttempt(3))
	assert.Equal(t, 800*time.Millisecond, cfg.DelayForAttempt(4))
}

func TestRetryConfigDelayForAttemptCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:      20,
		InitialDelay:    1 * time.Second,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          false,
	}
	assert.Equal(t, 5*time.Second, cfg.DelayForAttempt(10))
}

func TestRetryConfigDelayForAttemptJitterStaysWithinRaw(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
	raw := 400 * time.Millisecond // attempt 3: 100*2^2
	for i := 0; i < 50; i++ {
		d := cfg.DelayForAttempt(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, raw)
	}
}
