package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

var (
	// ErrOpenState is matched by every OpenError.
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrBreakerNotFound is returned by Manager lookups for unknown names.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
	// ErrInvalidConfig is returned for configurations that can never trip or recover.
	ErrInvalidConfig = errors.New("invalid circuit breaker config")
)

// OpenError rejects a call without executing it.
type OpenError struct {
	Name  string
	State State
	// RetryAfter is the time left until a probe may be admitted. It is zero
	// in HALF_OPEN, where the next probe is admitted once the current one
	// resolves.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("service %s is recovering (circuit breaker half-open, probe in flight)", e.Name)
	}

	return fmt.Sprintf("service %s is currently unavailable (circuit breaker open, retry after %s)", e.Name, e.RetryAfter)
}

// Is matches ErrOpenState.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpenState
}

// Exclude marks err so Execute returns it without recording it in the
// window. Use it for failures that say nothing about the dependency, such
// as a local rejection raised before the dependency was called.
func Exclude(err error) error {
	if err == nil {
		return nil
	}

	return &excludedError{err: err}
}

type excludedError struct {
	err error
}

func (e *excludedError) Error() string { return e.err.Error() }

func (e *excludedError) Unwrap() error { return e.err }

// unmark strips an Exclude marker so callers see the original error.
func unmark(err error) error {
	if marked, ok := err.(*excludedError); ok {
		return marked.err
	}

	return err
}

// Counts summarizes outcomes since the last state transition.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	Rejected             uint32
}

// StateChangeListener is notified after a breaker changes state.
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(name string, from, to State)

// OnStateChange calls f.
func (f StateChangeFunc) OnStateChange(name string, from, to State) {
	f(name, from, to)
}

// HealthCheckFunc probes a dependency; nil means healthy.
type HealthCheckFunc func(ctx context.Context) error
