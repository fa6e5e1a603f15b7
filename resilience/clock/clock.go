// Package clock abstracts the time source used by every timing decision in
// the resilience packages so tests can drive time explicitly.
package clock

import (
	"context"
	"fmt"
	"time"
)

// Clock provides the current time and a cancellable sleep.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first. It
	// returns an error wrapping ctx.Err() when ctx ends the wait.
	Sleep(ctx context.Context, d time.Duration) error
}

type system struct{}

// System returns the wall clock.
//
//nolint:ireturn
func System() Clock {
	return system{}
}

func (system) Now() time.Time {
	return time.Now()
}

func (system) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done: %w", err)
	}

	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// OrSystem returns c, or the wall clock when c is nil.
//
//nolint:ireturn
func OrSystem(c Clock) Clock {
	if c == nil {
		return System()
	}

	return c
}
