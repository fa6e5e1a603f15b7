// Package hedge races delayed copies of a call against the original to cut
// tail latency.
//
// The original call starts at once. Copy i starts i*Delay later unless a
// call has already succeeded. The first success wins and the contexts of
// the other calls are cancelled. When every call fails, the error of the
// earliest-started call is returned.
//
// Only hedge operations that are safe to run more than once.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
)

var (
	// ErrInvalidConfig is returned by New for a negative delay or hedge count.
	ErrInvalidConfig = errors.New("invalid hedge config")
	// ErrPanicRecovered wraps the value of a panic raised by one call.
	ErrPanicRecovered = errors.New("hedge: panic recovered")
)

// Policy holds the hedging schedule.
type Policy struct {
	name      string
	delay     time.Duration
	maxHedges int
	clock     clock.Clock
	sink      events.Sink
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the clock that schedules the copies.
func WithClock(c clock.Clock) Option {
	return func(p *Policy) { p.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink for launch events.
func WithEventSink(s events.Sink) Option {
	return func(p *Policy) { p.sink = events.OrNop(s) }
}

// New returns a Policy firing up to maxHedges copies, delay apart.
func New(name string, delay time.Duration, maxHedges int, opts ...Option) (*Policy, error) {
	if delay < 0 {
		return nil, fmt.Errorf("%w: delay must not be negative, got %s", ErrInvalidConfig, delay)
	}

	if maxHedges < 0 {
		return nil, fmt.Errorf("%w: max hedges must not be negative, got %d", ErrInvalidConfig, maxHedges)
	}

	p := &Policy{
		name:      name,
		delay:     delay,
		maxHedges: maxHedges,
		clock:     clock.System(),
		sink:      events.Nop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Name returns the policy identity.
func (p *Policy) Name() string { return p.name }

// Delay returns the pause between two launches.
func (p *Policy) Delay() time.Duration { return p.delay }

// MaxHedges returns how many copies may follow the original.
func (p *Policy) MaxHedges() int { return p.maxHedges }

// Result is the winning call.
type Result[T any] struct {
	Value T
	// Winner is 0 for the original call and i for the i-th copy.
	Winner  int
	Latency time.Duration
}

type outcome[T any] struct {
	index    int
	value    T
	err      error
	launched bool
}

// Execute runs op under p and reports which call won.
func Execute[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (Result[T], error) {
	if p == nil {
		value, err := op(ctx)
		return Result[T]{Value: value}, err
	}

	started := p.clock.Now()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := 1 + p.maxHedges
	results := make(chan outcome[T], total)

	for i := range total {
		go launch(raceCtx, p, i, op, results)
	}

	errs := make([]error, total)

	for range total {
		select {
		case r := <-results:
			if r.launched && r.err == nil {
				return Result[T]{Value: r.value, Winner: r.index, Latency: p.clock.Now().Sub(started)}, nil
			}

			errs[r.index] = r.err

		case <-ctx.Done():
			return Result[T]{}, fmt.Errorf("context done: %w", ctx.Err())
		}
	}

	for _, err := range errs {
		if err != nil {
			return Result[T]{}, err
		}
	}

	return Result[T]{}, fmt.Errorf("hedge %s: no call completed", p.name)
}

// Do runs op under p and returns the winning value.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	r, err := Execute(ctx, p, op)

	return r.Value, err
}

func launch[T any](ctx context.Context, p *Policy, index int, op func(ctx context.Context) (T, error), results chan<- outcome[T]) {
	r := outcome[T]{index: index}

	defer func() {
		if rec := recover(); rec != nil {
			r.err = fmt.Errorf("%w: %v", ErrPanicRecovered, rec)
		}

		results <- r
	}()

	if index > 0 {
		if err := p.clock.Sleep(ctx, time.Duration(index)*p.delay); err != nil {
			r.err = err
			return
		}

		p.sink.Emit(events.Event{
			Kind:    events.KindHedgeLaunched,
			Name:    p.name,
			Time:    p.clock.Now(),
			Attempt: index,
			Delay:   time.Duration(index) * p.delay,
		})
	}

	r.launched = true
	r.value, r.err = op(ctx)
}
