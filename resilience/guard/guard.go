// Package guard composes the resilience primitives around one call.
//
// The layers nest as retry(breaker(bulkhead(throttle(hedge(timeout(op)))))).
// Each layer is optional. Rejections from the breaker, bulkhead and
// throttle are fast-fail signals and are never retried by the guard.
// Bulkhead and throttle rejections are not recorded by the breaker. Each
// hedged copy gets its own timeout while the race holds one bulkhead slot.
package guard

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-resilience/resilience/bulkhead"
	"github.com/LerianStudio/lib-resilience/resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/resilience/hedge"
	"github.com/LerianStudio/lib-resilience/resilience/retry"
	"github.com/LerianStudio/lib-resilience/resilience/throttle"
	"github.com/LerianStudio/lib-resilience/resilience/timeout"
)

// Guard holds the layers applied to every call.
type Guard struct {
	retry    *retry.Executor
	breaker  *circuitbreaker.Breaker
	bulkhead *bulkhead.Bulkhead
	limiter  *throttle.Limiter
	hedge    *hedge.Policy
	timeout  *timeout.Policy
}

// Option adds a layer.
type Option func(*Guard)

// WithRetry retries the inner layers.
func WithRetry(e *retry.Executor) Option {
	return func(g *Guard) { g.retry = e }
}

// WithBreaker gates the inner layers behind a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(g *Guard) { g.breaker = b }
}

// WithBulkhead bounds concurrency of the inner layers.
func WithBulkhead(b *bulkhead.Bulkhead) Option {
	return func(g *Guard) { g.bulkhead = b }
}

// WithThrottle rate-limits the inner layers.
func WithThrottle(l *throttle.Limiter) Option {
	return func(g *Guard) { g.limiter = l }
}

// WithHedge races delayed copies of each attempt.
func WithHedge(p *hedge.Policy) Option {
	return func(g *Guard) { g.hedge = p }
}

// WithTimeout bounds each attempt.
func WithTimeout(p *timeout.Policy) Option {
	return func(g *Guard) { g.timeout = p }
}

// New returns a Guard with the given layers.
func New(opts ...Option) *Guard {
	g := &Guard{}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return g
}

// Execute runs op through every configured layer.
func (g *Guard) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})

	return err
}

// Do runs op through every layer of g and returns its value.
func Do[T any](ctx context.Context, g *Guard, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := layered(g, op)

	if g.retry == nil {
		return attempt(ctx)
	}

	return retry.Do(ctx, g.retry, func(ctx context.Context) (T, error) {
		value, err := attempt(ctx)
		if IsFastFail(err) {
			return value, retry.Permanent(err)
		}

		return value, err
	})
}

func layered[T any](g *Guard, op func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	call := op

	if g.timeout != nil {
		inner := call
		call = func(ctx context.Context) (T, error) { return timeout.Do(ctx, g.timeout, inner) }
	}

	if g.hedge != nil {
		inner := call
		call = func(ctx context.Context) (T, error) { return hedge.Do(ctx, g.hedge, inner) }
	}

	if g.limiter != nil {
		inner := call
		call = func(ctx context.Context) (T, error) { return throttle.Do(ctx, g.limiter, inner) }
	}

	if g.bulkhead != nil {
		inner := call
		call = func(ctx context.Context) (T, error) { return bulkhead.Run(ctx, g.bulkhead, inner) }
	}

	if g.breaker != nil {
		inner := call
		call = func(ctx context.Context) (T, error) {
			return circuitbreaker.Execute(ctx, g.breaker, func(ctx context.Context) (T, error) {
				value, err := inner(ctx)
				if isLocalRejection(err) {
					return value, circuitbreaker.Exclude(err)
				}

				return value, err
			})
		}
	}

	return call
}

// isLocalRejection reports whether the bulkhead or throttle refused the
// call. Such outcomes say nothing about the dependency behind the breaker.
func isLocalRejection(err error) bool {
	return errors.Is(err, bulkhead.ErrRejected) ||
		errors.Is(err, bulkhead.ErrQueueTimeout) ||
		errors.Is(err, throttle.ErrThrottled)
}

// IsFastFail reports whether err is a rejection issued without running
// the call.
func IsFastFail(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpenState) || isLocalRejection(err)
}
