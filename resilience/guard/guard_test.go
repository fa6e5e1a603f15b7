//go:build unit

package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
	"github.com/LerianStudio/lib-resilience/resilience/bulkhead"
	"github.com/LerianStudio/lib-resilience/resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/resilience/hedge"
	"github.com/LerianStudio/lib-resilience/resilience/retry"
	"github.com/LerianStudio/lib-resilience/resilience/throttle"
	"github.com/LerianStudio/lib-resilience/resilience/timeout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func immediateRetry(t *testing.T, attempts int) *retry.Executor {
	t.Helper()

	policy, err := retry.NewPolicy(
		retry.WithMaxAttempts(attempts),
		retry.WithBackoff(backoff.Constant(0)),
		retry.WithJitter(backoff.None()),
	)
	require.NoError(t, err)

	return retry.NewExecutor(policy, retry.WithName("guard-test"))
}

func TestRetriesThroughAllLayers(t *testing.T) {
	t.Parallel()

	breaker, err := circuitbreaker.New("svc", circuitbreaker.DefaultConfig())
	require.NoError(t, err)

	bh, err := bulkhead.New("svc", bulkhead.DefaultConfig())
	require.NoError(t, err)

	limiter, err := throttle.New("svc", throttle.Config{Capacity: 10, RefillRate: 10})
	require.NoError(t, err)

	g := New(
		WithRetry(immediateRetry(t, 3)),
		WithBreaker(breaker),
		WithBulkhead(bh),
		WithThrottle(limiter),
		WithTimeout(timeout.New("svc", time.Second)),
	)

	var calls atomic.Int32

	got, err := Do(context.Background(), g, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errTransient
		}

		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, bh.InFlight())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestOpenBreakerStopsRetries(t *testing.T) {
	t.Parallel()

	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 3

	breaker, err := circuitbreaker.New("svc", cfg)
	require.NoError(t, err)

	g := New(WithRetry(immediateRetry(t, 10)), WithBreaker(breaker))

	var calls atomic.Int32

	err = g.Execute(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errTransient
	})

	require.ErrorIs(t, err, circuitbreaker.ErrOpenState)
	assert.False(t, errors.Is(err, retry.ErrExhausted))
	assert.Equal(t, int32(3), calls.Load())
}

func TestThrottleRejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	limiter, err := throttle.New("svc", throttle.Config{Capacity: 1, RefillRate: 0})
	require.NoError(t, err)

	g := New(WithRetry(immediateRetry(t, 5)), WithThrottle(limiter))

	var calls atomic.Int32

	err = g.Execute(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errTransient
	})

	require.ErrorIs(t, err, throttle.ErrThrottled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutAppliesPerAttempt(t *testing.T) {
	t.Parallel()

	g := New(WithRetry(immediateRetry(t, 2)), WithTimeout(timeout.New("svc", 10*time.Millisecond)))

	var calls atomic.Int32

	err := g.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()

		return ctx.Err()
	})

	require.ErrorIs(t, err, retry.ErrExhausted)
	require.ErrorIs(t, err, timeout.ErrTimeout)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHedgeRacesInsideOneBulkheadSlot(t *testing.T) {
	t.Parallel()

	bh, err := bulkhead.New("svc", bulkhead.Config{MaxConcurrent: 1})
	require.NoError(t, err)

	hp, err := hedge.New("svc", 0, 1)
	require.NoError(t, err)

	g := New(WithBulkhead(bh), WithHedge(hp), WithTimeout(timeout.New("svc", time.Second)))

	var calls atomic.Int32

	got, err := Do(context.Background(), g, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}

		return "fast", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fast", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmptyGuardRunsOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	err := New().Execute(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBulkheadRejectionsDoNotOpenBreaker(t *testing.T) {
	t.Parallel()

	breaker, err := circuitbreaker.New("svc", circuitbreaker.DefaultConfig())
	require.NoError(t, err)

	bh, err := bulkhead.New("svc", bulkhead.Config{MaxConcurrent: 1})
	require.NoError(t, err)

	g := New(WithBreaker(breaker), WithBulkhead(bh))

	release, err := bh.Acquire(context.Background())
	require.NoError(t, err)

	var calls atomic.Int32

	op := func(context.Context) error {
		calls.Add(1)
		return nil
	}

	for range 10 {
		err := g.Execute(context.Background(), op)
		require.ErrorIs(t, err, bulkhead.ErrRejected)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpenState)
	}

	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
	assert.Zero(t, breaker.Counts().TotalFailures)

	release()

	require.NoError(t, g.Execute(context.Background(), op))
	assert.Equal(t, int32(1), calls.Load())
}

func TestThrottleRejectionsDoNotOpenBreaker(t *testing.T) {
	t.Parallel()

	breaker, err := circuitbreaker.New("svc", circuitbreaker.DefaultConfig())
	require.NoError(t, err)

	limiter, err := throttle.New("svc", throttle.Config{Capacity: 1, RefillRate: 0})
	require.NoError(t, err)

	g := New(WithBreaker(breaker), WithThrottle(limiter))

	require.NoError(t, g.Execute(context.Background(), func(context.Context) error { return nil }))

	for range 10 {
		require.ErrorIs(t, g.Execute(context.Background(), func(context.Context) error { return nil }), throttle.ErrThrottled)
	}

	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestIsFastFail(t *testing.T) {
	t.Parallel()

	assert.True(t, IsFastFail(&circuitbreaker.OpenError{Name: "a"}))
	assert.True(t, IsFastFail(&bulkhead.RejectedError{Name: "a"}))
	assert.True(t, IsFastFail(&bulkhead.TimeoutError{Name: "a"}))
	assert.True(t, IsFastFail(&throttle.ThrottledError{Name: "a"}))
	assert.False(t, IsFastFail(errTransient))
	assert.False(t, IsFastFail(nil))
}
