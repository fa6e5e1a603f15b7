// Package throttle rate-limits calls with a token bucket.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	"golang.org/x/time/rate"
)

var (
	// ErrThrottled is matched by every ThrottledError.
	ErrThrottled = errors.New("rate limit exceeded")
	// ErrInvalidConfig is returned for a non-positive capacity or a negative rate.
	ErrInvalidConfig = errors.New("invalid throttle config")
)

// ThrottledError rejects a call because the bucket is empty.
type ThrottledError struct {
	Name string
	// RetryAfter is the time until enough tokens are refilled. A request
	// larger than the capacity reports math.MaxInt64.
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Name, e.RetryAfter)
}

// Is matches ErrThrottled.
func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// Config describes a bucket holding Capacity tokens, refilled at
// RefillRate tokens per second. The bucket starts full.
type Config struct {
	Capacity   int
	RefillRate float64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used to measure refill.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink for rejection events.
func WithEventSink(s events.Sink) Option {
	return func(l *Limiter) { l.sink = events.OrNop(s) }
}

// Limiter is a named token bucket.
type Limiter struct {
	name    string
	limiter *rate.Limiter
	clock   clock.Clock
	sink    events.Sink
}

// New returns a full bucket.
func New(name string, cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be >= 1, got %d", ErrInvalidConfig, cfg.Capacity)
	}

	if cfg.RefillRate < 0 || math.IsNaN(cfg.RefillRate) {
		return nil, fmt.Errorf("%w: refill rate must not be negative", ErrInvalidConfig)
	}

	l := &Limiter{
		name:  name,
		clock: clock.System(),
		sink:  events.Nop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	l.limiter = rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity)
	// Anchor the bucket to the injected clock so refill follows it.
	l.limiter.SetLimitAt(l.clock.Now(), rate.Limit(cfg.RefillRate))

	return l, nil
}

// Name returns the limiter identity.
func (l *Limiter) Name() string {
	return l.name
}

// Allow takes n tokens or fails with a ThrottledError. A rejected call
// consumes nothing.
func (l *Limiter) Allow(n int) error {
	now := l.clock.Now()

	if l.limiter.AllowN(now, n) {
		return nil
	}

	retryAfter := time.Duration(math.MaxInt64)

	r := l.limiter.ReserveN(now, n)
	if r.OK() {
		retryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}

	l.sink.Emit(events.Event{
		Kind:    events.KindThrottled,
		Name:    l.name,
		Time:    now,
		Outcome: events.OutcomeFailure,
		Delay:   retryAfter,
	})

	return &ThrottledError{Name: l.name, RetryAfter: retryAfter}
}

// Wait blocks on the clock until a token is available.
func (l *Limiter) Wait(ctx context.Context) error {
	now := l.clock.Now()

	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &ThrottledError{Name: l.name, RetryAfter: time.Duration(math.MaxInt64)}
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return err
	}

	return nil
}

// Tokens returns the tokens available now.
func (l *Limiter) Tokens() float64 {
	return l.limiter.TokensAt(l.clock.Now())
}

// Do runs op when a token is available and fails fast otherwise.
func Do[T any](ctx context.Context, l *Limiter, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := l.Allow(1); err != nil {
		return zero, err
	}

	return op(ctx)
}
