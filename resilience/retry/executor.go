package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
)

// Executor runs operations under a Policy. It is safe for concurrent use;
// each call keeps its own attempt counter and jitter state.
type Executor struct {
	name   string
	policy Policy
	clock  clock.Clock
	sink   events.Sink
	logger libLog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithName labels events and errors produced by the executor.
func WithName(name string) ExecutorOption {
	return func(e *Executor) { e.name = name }
}

// WithClock sets the time source used for delays and the deadline.
func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink receiving one event per attempt.
func WithEventSink(s events.Sink) ExecutorOption {
	return func(e *Executor) { e.sink = events.OrNop(s) }
}

// WithLogger sets the executor logger.
func WithLogger(logger libLog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = libLog.OrNop(logger) }
}

// NewExecutor returns an Executor for policy. A zero Policy is replaced by
// the defaults of NewPolicy.
func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	if !policy.valid() {
		policy = MustPolicy()
	}

	e := &Executor{
		name:   "default",
		policy: policy,
		clock:  clock.System(),
		sink:   events.Nop(),
		logger: libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op until it succeeds, returns a non-retryable error, the
// attempts run out, the deadline would be crossed or ctx ends.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})

	return err
}

// Do runs op under e and returns its value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if e == nil {
		e = NewExecutor(Policy{})
	}

	policy := e.policy
	jitter := backoff.ForSequence(policy.jitter)
	start := e.clock.Now()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry %q cancelled before attempt %d: %w", e.name, attempt, err)
		}

		value, err := op(ctx)
		if err == nil {
			e.emit(attempt, events.OutcomeSuccess, nil, 0)

			return value, nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			e.emit(attempt, events.OutcomeFailure, permanent.err, 0)

			return zero, permanent.err
		}

		if !policy.retryable(err) {
			e.emit(attempt, events.OutcomeFailure, err, 0)

			return zero, err
		}

		if attempt >= policy.maxAttempts {
			e.emit(attempt, events.OutcomeFailure, err, 0)
			e.giveUp(ctx, attempt, err)

			return zero, &ExhaustedError{Name: e.name, Attempts: attempt, Last: err}
		}

		delay := policy.delay(jitter, attempt)

		if policy.deadline > 0 && !e.clock.Now().Add(delay).Before(start.Add(policy.deadline)) {
			e.emit(attempt, events.OutcomeFailure, err, 0)
			e.giveUp(ctx, attempt, err)

			return zero, &DeadlineExceededError{Name: e.name, Attempts: attempt, Deadline: policy.deadline, Last: err}
		}

		e.emit(attempt, events.OutcomeFailure, err, delay)

		if sleepErr := e.clock.Sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("retry %q cancelled after %d attempts: %w", e.name, attempt, sleepErr)
		}
	}
}

func (e *Executor) emit(attempt int, outcome string, err error, delay time.Duration) {
	e.sink.Emit(events.Event{
		Kind:    events.KindRetryAttempt,
		Name:    e.name,
		Time:    e.clock.Now(),
		Attempt: attempt,
		Outcome: outcome,
		Delay:   delay,
		Err:     err,
	})
}

func (e *Executor) giveUp(ctx context.Context, attempts int, err error) {
	e.sink.Emit(events.Event{
		Kind:    events.KindRetryGiveUp,
		Name:    e.name,
		Time:    e.clock.Now(),
		Attempt: attempts,
		Outcome: events.OutcomeFailure,
		Err:     err,
	})

	if e.logger.Enabled(libLog.LevelWarn) {
		e.logger.Log(ctx, libLog.LevelWarn, "retry gave up",
			libLog.String("name", e.name),
			libLog.Int("attempts", attempts),
			libLog.Err(err),
		)
	}
}
