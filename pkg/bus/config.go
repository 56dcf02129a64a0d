package bus

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig is the operator-facing, loadable configuration for a Bus.
// It has nothing to do with the in-process message schema — it only
// tunes the ambient knobs named throughout §4 of the specification.
type BusConfig struct {
	Queue          QueueSettings          `yaml:"queue"`
	Batch          BatchSettings          `yaml:"batch"`
	Retry          RetrySettings          `yaml:"retry"`
	CircuitBreaker CircuitBreakerSettings `yaml:"circuit_breaker"`
	DeadLetter     DeadLetterSettings     `yaml:"dead_letter"`
	SuppressEventErrors bool             `yaml:"suppress_event_errors"`
}

type QueueSettings struct {
	MaxSize   int     `yaml:"max_size"`
	HighWater float64 `yaml:"high_water"`
	LowWater  float64 `yaml:"low_water"`
	Strategy  string  `yaml:"strategy"` // drop_oldest | reject_new | adaptive_rate_limit
}

type BatchSettings struct {
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

type RetrySettings struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ExponentialBase float64       `yaml:"exponential_base"`
	Jitter          bool          `yaml:"jitter"`
}

type CircuitBreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	WindowSize       time.Duration `yaml:"window_size"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

type DeadLetterSettings struct {
	MaxSize int `yaml:"max_size"`
}

// DefaultBusConfig returns every default named in the specification.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Queue: QueueSettings{
			MaxSize:   10000,
			HighWater: 0.8,
			LowWater:  0.5,
			Strategy:  "drop_oldest",
		},
		Batch: BatchSettings{
			Size:    10,
			Timeout: 10 * time.Millisecond,
		},
		Retry: RetrySettings{
			MaxRetries:      3,
			InitialDelay:    100 * time.Millisecond,
			MaxDelay:        10 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		CircuitBreaker: CircuitBreakerSettings{
			FailureThreshold: 5,
			WindowSize:       60 * time.Second,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 3,
		},
		DeadLetter: DeadLetterSettings{
			MaxSize: 1000,
		},
		SuppressEventErrors: true,
	}
}

// LoadBusConfigFile reads and parses a YAML config file on top of
// DefaultBusConfig, so every key the file does not set keeps its default.
func LoadBusConfigFile(path string) (BusConfig, error) {
	cfg := DefaultBusConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c QueueSettings) strategy() BackpressureStrategy {
	switch c.Strategy {
	case "reject_new":
		return RejectNew
	case "adaptive_rate_limit":
		return AdaptiveRateLimit
	default:
		return DropOldest
	}
}
