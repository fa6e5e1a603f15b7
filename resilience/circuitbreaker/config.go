package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultWindowBuckets = 10
	minWindowSize        = 10
)

// Config controls when a breaker opens and how it recovers.
//
// With WindowDuration zero the window is a ring buffer of the last
// WindowSize outcomes. With WindowDuration set it is split into Buckets
// time buckets and outcomes older than WindowDuration fall out.
//
// The breaker opens when FailureThreshold > 0 and the window holds at least
// that many failures, or when FailureRatio > 0, the window holds at least
// MinRequests outcomes and the failure share reaches FailureRatio.
type Config struct {
	FailureThreshold int
	FailureRatio     float64
	MinRequests      int
	WindowSize       int
	WindowDuration   time.Duration
	Buckets          int
	SuccessThreshold int
	OpenDuration     time.Duration
	// IsExcluded marks errors that pass through without being recorded.
	// Context cancellation is always excluded.
	IsExcluded func(err error) bool
}

// DefaultConfig opens after 5 failures among the last 10 calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		WindowSize:       10,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	}
}

// AggressiveConfig trips fast and probes soon.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		WindowSize:       5,
		SuccessThreshold: 1,
		OpenDuration:     10 * time.Second,
	}
}

// ConservativeConfig tolerates bursts of failures.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold: 10,
		WindowSize:       20,
		SuccessThreshold: 3,
		OpenDuration:     60 * time.Second,
	}
}

// HTTPServiceConfig uses a one minute failure-rate window.
func HTTPServiceConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		WindowDuration:   time.Minute,
		Buckets:          6,
		SuccessThreshold: 2,
		OpenDuration:     10 * time.Second,
	}
}

// DatabaseConfig uses a longer, more tolerant failure-rate window.
func DatabaseConfig() Config {
	return Config{
		FailureThreshold: 20,
		FailureRatio:     0.6,
		MinRequests:      15,
		WindowDuration:   3 * time.Minute,
		Buckets:          6,
		SuccessThreshold: 3,
		OpenDuration:     45 * time.Second,
	}
}

// Validate reports configurations that can never trip or never recover.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 0:
		return fmt.Errorf("%w: failure threshold must not be negative", ErrInvalidConfig)
	case c.FailureRatio < 0 || c.FailureRatio > 1:
		return fmt.Errorf("%w: failure ratio must be within [0, 1], got %v", ErrInvalidConfig, c.FailureRatio)
	case c.FailureThreshold == 0 && c.FailureRatio == 0:
		return fmt.Errorf("%w: either failure threshold or failure ratio is required", ErrInvalidConfig)
	case c.SuccessThreshold < 1:
		return fmt.Errorf("%w: success threshold must be >= 1", ErrInvalidConfig)
	case c.OpenDuration <= 0:
		return fmt.Errorf("%w: open duration must be positive", ErrInvalidConfig)
	case c.WindowSize < 0 || c.WindowDuration < 0 || c.Buckets < 0 || c.MinRequests < 0:
		return fmt.Errorf("%w: window settings must not be negative", ErrInvalidConfig)
	}

	return nil
}

func (c Config) normalize() Config {
	if c.WindowDuration > 0 {
		if c.Buckets == 0 {
			c.Buckets = defaultWindowBuckets
		}

		if time.Duration(c.Buckets) > c.WindowDuration {
			c.Buckets = int(c.WindowDuration)
		}

		return c
	}

	if c.WindowSize == 0 {
		c.WindowSize = max(minWindowSize, c.FailureThreshold, c.MinRequests)
	}

	c.WindowSize = max(c.WindowSize, c.FailureThreshold)

	return c
}

func (c Config) excluded(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}

	var marked *excludedError
	if errors.As(err, &marked) {
		return true
	}

	return c.IsExcluded != nil && c.IsExcluded(err)
}
