package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeExcluded
)

// Breaker is a circuit breaker for one named resource. All state lives
// behind a single mutex, so transitions are linearizable.
type Breaker struct {
	name     string
	cfg      Config
	clock    clock.Clock
	sink     events.Sink
	onChange func(name string, from, to State)

	mu                sync.Mutex
	state             State
	generation        uint64
	openedAt          time.Time
	window            window
	probeInFlight     bool
	halfOpenSuccesses int
	counts            Counts
}

// BreakerOption configures a standalone Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock sets the breaker's time source.
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(b *Breaker) { b.clock = clock.OrSystem(c) }
}

// WithBreakerEventSink sets the sink for transition and rejection events.
func WithBreakerEventSink(s events.Sink) BreakerOption {
	return func(b *Breaker) { b.sink = events.OrNop(s) }
}

// WithStateChangeHook registers fn to run after every transition, outside
// the breaker lock.
func WithStateChangeHook(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// New returns a CLOSED breaker. Most callers obtain breakers from a Manager.
func New(name string, cfg Config, opts ...BreakerOption) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %q: %w", name, err)
	}

	cfg = cfg.normalize()

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		clock:  clock.System(),
		sink:   events.Nop(),
		state:  StateClosed,
		window: newWindow(cfg),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b, nil
}

// Name returns the breaker identity.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the normalized configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns the current state. An OPEN breaker whose open duration has
// elapsed still reports OPEN until a call moves it to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Counts returns outcome counters since the last transition.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Execute runs fn if the breaker admits the call and records its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Execute runs fn through b and returns its value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	done, err := b.Allow()
	if err != nil {
		return zero, err
	}

	completed := false

	defer func() {
		if !completed {
			done(fmt.Errorf("panic in breaker %q", b.name))
		}
	}()

	value, err := fn(ctx)
	completed = true

	done(err)

	return value, unmark(err)
}

// Allow admits a call and returns the callback that must receive its
// result exactly once. It fails with an OpenError when the call is
// rejected. Use Execute unless the call cannot be wrapped in a closure.
func (b *Breaker) Allow() (func(err error), error) {
	generation, probe, err := b.before()
	if err != nil {
		return nil, err
	}

	var once sync.Once

	return func(err error) {
		once.Do(func() { b.after(generation, probe, err) })
	}, nil
}

// Reset forces the breaker CLOSED and clears its window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.transitionLocked(StateClosed, b.clock.Now())
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

func (b *Breaker) before() (uint64, bool, error) {
	b.mu.Lock()

	now := b.clock.Now()

	switch b.state {
	case StateClosed:
		b.counts.Requests++
		generation := b.generation
		b.mu.Unlock()

		return generation, false, nil

	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cfg.OpenDuration {
			b.counts.Rejected++
			b.mu.Unlock()

			return 0, false, b.reject(StateOpen, b.cfg.OpenDuration-elapsed)
		}

		b.transitionLocked(StateHalfOpen, now)
		b.probeInFlight = true
		b.counts.Requests++
		generation := b.generation
		b.mu.Unlock()

		b.notify(StateOpen, StateHalfOpen)

		return generation, true, nil

	default:
		if b.probeInFlight {
			b.counts.Rejected++
			b.mu.Unlock()

			return 0, false, b.reject(StateHalfOpen, 0)
		}

		b.probeInFlight = true
		b.counts.Requests++
		generation := b.generation
		b.mu.Unlock()

		return generation, true, nil
	}
}

func (b *Breaker) after(generation uint64, probe bool, err error) {
	result := outcomeSuccess

	switch {
	case err == nil:
	case b.cfg.excluded(err):
		result = outcomeExcluded
	default:
		result = outcomeFailure
	}

	b.mu.Lock()

	if generation != b.generation {
		b.mu.Unlock()
		return
	}

	now := b.clock.Now()
	from := b.state
	to := from

	switch b.state {
	case StateClosed:
		if result == outcomeExcluded {
			break
		}

		b.countLocked(result)
		b.window.record(now, result == outcomeFailure)

		if result == outcomeFailure && b.shouldTripLocked(now) {
			to = StateOpen
			b.transitionLocked(StateOpen, now)
		}

	case StateHalfOpen:
		if probe {
			b.probeInFlight = false
		}

		switch result {
		case outcomeExcluded:
		case outcomeFailure:
			b.countLocked(result)
			to = StateOpen
			b.transitionLocked(StateOpen, now)
		default:
			b.countLocked(result)

			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				to = StateClosed
				b.transitionLocked(StateClosed, now)
			}
		}
	}

	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

func (b *Breaker) shouldTripLocked(now time.Time) bool {
	failures, total := b.window.totals(now)

	if b.cfg.FailureThreshold > 0 && failures >= b.cfg.FailureThreshold {
		return true
	}

	if b.cfg.FailureRatio > 0 && total > 0 && total >= b.cfg.MinRequests {
		return float64(failures)/float64(total) >= b.cfg.FailureRatio
	}

	return false
}

func (b *Breaker) countLocked(result outcome) {
	if result == outcomeFailure {
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0

		return
	}

	b.counts.TotalSuccesses++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
}

// transitionLocked moves to state and starts a new generation, so outcomes
// of calls admitted earlier are discarded.
func (b *Breaker) transitionLocked(state State, now time.Time) {
	b.state = state
	b.generation++
	b.probeInFlight = false
	b.halfOpenSuccesses = 0
	b.counts = Counts{}

	switch state {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.window.reset()
	}
}

func (b *Breaker) reject(state State, retryAfter time.Duration) error {
	b.sink.Emit(events.Event{
		Kind: events.KindBreakerRejected,
		Name: b.name,
		Time: b.clock.Now(),
		From: string(state),
	})

	return &OpenError{Name: b.name, State: state, RetryAfter: retryAfter}
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}

	b.sink.Emit(events.Event{
		Kind: events.KindBreakerStateChange,
		Name: b.name,
		Time: b.clock.Now(),
		From: string(from),
		To:   string(to),
	})

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
