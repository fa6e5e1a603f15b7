package retry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExhausted is matched by every ExhaustedError.
	ErrExhausted = errors.New("retry attempts exhausted")
	// ErrDeadlineExceeded is matched by every DeadlineExceededError.
	ErrDeadlineExceeded = errors.New("retry deadline exceeded")
	// ErrInvalidPolicy is returned by NewPolicy for out-of-range settings.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// ExhaustedError reports that every allowed attempt failed.
type ExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry %q exhausted after %d attempts: %v", e.Name, e.Attempts, e.Last)
}

// Unwrap exposes both ErrExhausted and the last underlying error.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// DeadlineExceededError reports that the policy's overall deadline would
// elapse before the next attempt could start.
type DeadlineExceededError struct {
	Name     string
	Attempts int
	Deadline time.Duration
	Last     error
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("retry %q deadline %s exceeded after %d attempts: %v", e.Name, e.Deadline, e.Attempts, e.Last)
}

// Unwrap exposes both ErrDeadlineExceeded and the last underlying error.
func (e *DeadlineExceededError) Unwrap() []error {
	return []error{ErrDeadlineExceeded, e.Last}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable regardless of the Classifier. The
// executor returns the wrapped error itself, not the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}
