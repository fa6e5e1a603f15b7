//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthCheckerValidation(t *testing.T) {
	t.Parallel()

	m := NewManager()

	tests := []struct {
		name     string
		manager  *Manager
		interval time.Duration
		timeout  time.Duration
		wantErr  error
	}{
		{name: "valid", manager: m, interval: time.Second, timeout: 500 * time.Millisecond},
		{name: "nil manager", interval: time.Second, timeout: time.Second, wantErr: ErrNilManager},
		{name: "zero interval", manager: m, timeout: time.Second, wantErr: ErrInvalidHealthCheckInterval},
		{name: "negative interval", manager: m, interval: -time.Second, timeout: time.Second, wantErr: ErrInvalidHealthCheckInterval},
		{name: "zero timeout", manager: m, interval: time.Second, wantErr: ErrInvalidHealthCheckTimeout},
		{name: "negative timeout", manager: m, interval: time.Second, timeout: -time.Millisecond, wantErr: ErrInvalidHealthCheckTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			hc, err := NewHealthChecker(tt.manager, tt.interval, tt.timeout, libLog.NewNop())
			if tt.wantErr != nil {
				assert.Nil(t, hc)
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.NotNil(t, hc)
		})
	}
}

func TestHealthCheckerResetsOpenBreakerOnRecovery(t *testing.T) {
	t.Parallel()

	m := NewManager()

	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.OpenDuration = time.Hour

	_, err := m.GetOrCreate("db", cfg)
	require.NoError(t, err)

	hc, err := NewHealthChecker(m, time.Hour, time.Second, nil)
	require.NoError(t, err)

	var probes atomic.Int32

	hc.Register("db", func(context.Context) error {
		if probes.Add(1) == 1 {
			return errors.New("still down")
		}

		return nil
	})

	m.RegisterStateChangeListener(hc)

	hc.Start(context.Background())
	t.Cleanup(hc.Stop)

	require.Error(t, m.Execute(context.Background(), "db", fail))

	assert.Eventually(t, func() bool { return probes.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]string{"db": "open"}, hc.HealthStatus())

	hc.OnStateChange("db", StateClosed, StateOpen)

	assert.Eventually(t, func() bool { return m.IsHealthy("db") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]string{"db": "closed"}, hc.HealthStatus())
}

func TestHealthCheckerSkipsHealthyBreakers(t *testing.T) {
	t.Parallel()

	m := NewManager()

	_, err := m.GetOrCreate("cache", DefaultConfig())
	require.NoError(t, err)

	hc, err := NewHealthChecker(m, 10*time.Millisecond, time.Second, nil)
	require.NoError(t, err)

	var probes atomic.Int32

	hc.Register("cache", func(context.Context) error {
		probes.Add(1)
		return nil
	})

	hc.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	hc.Stop()
	hc.Stop()

	assert.Zero(t, probes.Load())
}
