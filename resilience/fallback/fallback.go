// Package fallback substitutes a value for selected failures.
package fallback

import (
	"context"
	"sync"
)

// Predicate selects the errors that trigger the fallback.
type Predicate func(err error) bool

// Any triggers the fallback for every error.
func Any(error) bool { return true }

// Func produces a fallback value from the failure that triggered it.
type Func[T any] func(ctx context.Context, err error) (T, error)

// Value returns a Func that always yields v.
func Value[T any](v T) Func[T] {
	return func(context.Context, error) (T, error) { return v, nil }
}

// Do runs op; when op fails with an error accepted by when, fb runs
// instead. Other errors are returned unchanged. A nil when means Any.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), fb Func[T], when Predicate) (T, error) {
	value, err := op(ctx)
	if err == nil {
		return value, nil
	}

	if when == nil {
		when = Any
	}

	if !when(err) || fb == nil {
		return value, err
	}

	return fb(ctx, err)
}

// Cached remembers the last successful value and serves it when a later
// call fails. Without a cached value it defers to the fallback function.
type Cached[T any] struct {
	fallback Func[T]
	when     Predicate

	mu     sync.RWMutex
	last   T
	cached bool
}

// NewCached returns an empty Cached. A nil when means Any.
func NewCached[T any](fb Func[T], when Predicate) *Cached[T] {
	if when == nil {
		when = Any
	}

	return &Cached[T]{fallback: fb, when: when}
}

// Do runs op and records its value on success.
func (c *Cached[T]) Do(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	value, err := op(ctx)
	if err == nil {
		c.mu.Lock()
		c.last, c.cached = value, true
		c.mu.Unlock()

		return value, nil
	}

	if !c.when(err) {
		return value, err
	}

	if last, ok := c.Last(); ok {
		return last, nil
	}

	if c.fallback == nil {
		return value, err
	}

	return c.fallback(ctx, err)
}

// Last returns the cached value and whether one exists.
func (c *Cached[T]) Last() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.last, c.cached
}
