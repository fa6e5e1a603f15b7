// Package timeout bounds how long a single call may run.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
)

// ErrTimeout is matched by every Error.
var ErrTimeout = errors.New("operation timed out")

// Error reports a call that did not finish within its budget.
type Error struct {
	Name    string
	Timeout time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.Name, e.Timeout)
}

// Is matches ErrTimeout and context.DeadlineExceeded.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// Policy runs calls with a fixed per-call timeout.
type Policy struct {
	name    string
	timeout time.Duration
	clock   clock.Clock
	sink    events.Sink
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the clock that stamps timeout events. The budget itself is
// a context deadline and elapses in real time.
func WithClock(c clock.Clock) Option {
	return func(p *Policy) { p.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink for timeout events.
func WithEventSink(s events.Sink) Option {
	return func(p *Policy) { p.sink = events.OrNop(s) }
}

// New returns a Policy. A non-positive timeout disables the bound.
func New(name string, timeout time.Duration, opts ...Option) *Policy {
	p := &Policy{name: name, timeout: timeout, clock: clock.System(), sink: events.Nop()}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// Timeout returns the per-call budget.
func (p *Policy) Timeout() time.Duration {
	return p.timeout
}

type result[T any] struct {
	value    T
	err      error
	panicked bool
	panicVal any
}

// Do runs op with a context that expires after the policy timeout. If op
// has not returned by then, Do returns an Error at once and op keeps
// running in the background until it observes its cancelled context.
// A panic in op is re-raised on the caller's goroutine.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil || p.timeout <= 0 {
		return op(ctx)
	}

	var zero T

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan result[T], 1)

	go func() {
		var r result[T]

		defer func() {
			if rec := recover(); rec != nil {
				r.panicked, r.panicVal = true, rec
			}

			done <- r
		}()

		r.value, r.err = op(callCtx)
	}()

	select {
	case r := <-done:
		if r.panicked {
			panic(r.panicVal)
		}

		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, p.exceeded(r.err)
		}

		return r.value, r.err

	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context done: %w", err)
		}

		return zero, p.exceeded(nil)
	}
}

func (p *Policy) exceeded(cause error) error {
	p.sink.Emit(events.Event{
		Kind:    events.KindTimeout,
		Name:    p.name,
		Time:    p.clock.Now(),
		Outcome: events.OutcomeFailure,
		Delay:   p.timeout,
		Err:     cause,
	})

	return &Error{Name: p.name, Timeout: p.timeout}
}
