//go:build unit

package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLockManagerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLockManager(nil)
	assert.ErrorIs(t, err, ErrNilClient)

	client, _ := newTestClient(t)

	tests := []struct {
		name string
		opts LockOptions
		want error
	}{
		{name: "zero expiry", opts: LockOptions{Tries: 1}, want: ErrLockExpiryInvalid},
		{name: "zero tries", opts: LockOptions{Expiry: time.Second}, want: ErrLockTriesInvalid},
		{name: "too many tries", opts: LockOptions{Expiry: time.Second, Tries: maxLockTries + 1}, want: ErrLockTriesExceeded},
		{name: "negative delay", opts: LockOptions{Expiry: time.Second, Tries: 1, RetryDelay: -1}, want: ErrLockRetryDelayNegative},
		{name: "drift factor", opts: LockOptions{Expiry: time.Second, Tries: 1, DriftFactor: 1}, want: ErrLockDriftFactorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewLockManager(client, WithLockOptions(tt.opts))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTryLock(t *testing.T) {
	t.Parallel()

	client, mr := newTestClient(t)
	ctx := context.Background()

	m, err := NewLockManager(client, WithLockOptions(DispatcherLockOptions()))
	require.NoError(t, err)

	unlock, acquired, err := m.TryLock(ctx, "outbox:dispatch")
	require.NoError(t, err)
	require.True(t, acquired)
	assert.True(t, mr.Exists("outbox:dispatch"))

	_, acquired, err = m.TryLock(ctx, "outbox:dispatch")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("outbox:dispatch"))
	assert.ErrorIs(t, unlock(ctx), ErrLockNotHeld)

	unlock, acquired, err = m.TryLock(ctx, "outbox:dispatch")
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, unlock(ctx))
}

func TestTryLockEmptyKey(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)

	m, err := NewLockManager(client)
	require.NoError(t, err)

	_, _, err = m.TryLock(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyLockKey)

	var nilManager *LockManager

	_, _, err = nilManager.TryLock(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNilLockManager)
}

func TestWithLock(t *testing.T) {
	t.Parallel()

	client, mr := newTestClient(t)
	ctx := context.Background()

	m, err := NewLockManager(client)
	require.NoError(t, err)

	called := false
	err = m.WithLock(ctx, "job", func(context.Context) error {
		called = true
		assert.True(t, mr.Exists("job"))

		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, mr.Exists("job"))

	boom := errors.New("boom")
	err = m.WithLock(ctx, "job", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("job"))

	assert.ErrorIs(t, m.WithLock(ctx, "job", nil), ErrNilLockFn)
	assert.ErrorIs(t, m.WithLock(ctx, "", func(context.Context) error { return nil }), ErrEmptyLockKey)
}

func TestSafeLockKeyForLogs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"job"`, safeLockKeyForLogs("job"))
	assert.Equal(t, `"a\nb"`, safeLockKeyForLogs("a\nb"))

	long := safeLockKeyForLogs(strings.Repeat("x", 300))
	assert.True(t, strings.HasSuffix(long, "...(truncated)"))
	assert.Len(t, long, 128+len("...(truncated)"))
}
