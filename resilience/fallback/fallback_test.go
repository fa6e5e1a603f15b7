//go:build unit

package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errUnavailable = errors.New("unavailable")
	errInvalid     = errors.New("invalid")
)

func onlyUnavailable(err error) bool { return errors.Is(err, errUnavailable) }

func failWith(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

func TestDo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		op      func(context.Context) (string, error)
		when    Predicate
		want    string
		wantErr error
	}{
		{
			name: "success skips fallback",
			op:   func(context.Context) (string, error) { return "live", nil },
			when: onlyUnavailable,
			want: "live",
		},
		{name: "matching error uses fallback", op: failWith(errUnavailable), when: onlyUnavailable, want: "default"},
		{name: "other error passes through", op: failWith(errInvalid), when: onlyUnavailable, wantErr: errInvalid},
		{name: "nil predicate matches everything", op: failWith(errInvalid), want: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Do(context.Background(), tt.op, Value("default"), tt.when)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFallbackReceivesCause(t *testing.T) {
	t.Parallel()

	var seen error

	_, err := Do(context.Background(), failWith(errUnavailable), func(_ context.Context, err error) (string, error) {
		seen = err
		return "", errors.New("fallback failed")
	}, nil)

	require.EqualError(t, err, "fallback failed")
	assert.ErrorIs(t, seen, errUnavailable)
}

func TestCachedServesLastSuccess(t *testing.T) {
	t.Parallel()

	c := NewCached(Value("static"), onlyUnavailable)

	got, err := c.Do(context.Background(), failWith(errUnavailable))
	require.NoError(t, err)
	assert.Equal(t, "static", got, "no cached value yet")

	_, ok := c.Last()
	assert.False(t, ok)

	got, err = c.Do(context.Background(), func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)

	got, err = c.Do(context.Background(), failWith(errUnavailable))
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)

	_, err = c.Do(context.Background(), failWith(errInvalid))
	require.ErrorIs(t, err, errInvalid)
}

func TestCachedWithoutFallbackReturnsError(t *testing.T) {
	t.Parallel()

	c := NewCached[int](nil, nil)

	_, err := c.Do(context.Background(), func(context.Context) (int, error) { return 0, errUnavailable })
	require.ErrorIs(t, err, errUnavailable)
}
