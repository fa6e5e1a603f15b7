//go:build unit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-resilience/resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, outbox.DefaultDispatcherConfig().BatchSize, cfg.Outbox.BatchSize)
	assert.Equal(t, "full", cfg.Retry.Jitter)
	assert.Equal(t, 5*time.Minute, cfg.Inbox.Lease)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default().Retry, cfg.Retry)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
retry:
  max_attempts: 5
  base_delay: 250ms
  jitter: equal
breaker:
  preset: database
  open_duration: 1m
bulkhead:
  max_concurrent: 4
  max_queue: 0
outbox:
  batch_size: 25
  lock_key: orders-outbox
idempotency:
  ttl: 1h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 4, cfg.Bulkhead.MaxConcurrent)
	assert.Equal(t, 0, cfg.Bulkhead.MaxQueue)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL)

	policy, err := cfg.Retry.Policy()
	require.NoError(t, err)
	assert.Equal(t, 5, policy.MaxAttempts())

	breaker, err := cfg.Breaker.CircuitBreaker()
	require.NoError(t, err)

	want := circuitbreaker.DatabaseConfig()
	want.OpenDuration = time.Minute
	assert.Equal(t, want.FailureThreshold, breaker.FailureThreshold)
	assert.Equal(t, want.OpenDuration, breaker.OpenDuration)

	dispatcher := cfg.Outbox.Dispatcher()
	assert.Equal(t, 25, dispatcher.BatchSize)
	assert.Equal(t, "orders-outbox", dispatcher.LockKey)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "retry:\n  max_attempts: 5\n")

	t.Setenv("RESILIENCE_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("RESILIENCE_OUTBOX_DISPATCH_INTERVAL_MS", "1500")
	t.Setenv("RESILIENCE_THROTTLE_REFILL_RATE", "2.5")
	t.Setenv("RESILIENCE_RABBITMQ_QUEUE", "orders")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Outbox.DispatchInterval)
	assert.InDelta(t, 2.5, cfg.Throttle.RefillRate, 1e-9)
	assert.Equal(t, "orders", cfg.RabbitMQ.Queue)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown jitter", body: "retry:\n  jitter: wobbly\n"},
		{name: "unknown preset", body: "breaker:\n  preset: reckless\n"},
		{name: "zero attempts", body: "retry:\n  max_attempts: 0\n"},
		{name: "no concurrency", body: "bulkhead:\n  max_concurrent: 0\n"},
		{name: "empty bucket", body: "throttle:\n  capacity: 0\n"},
		{name: "zero batch", body: "outbox:\n  batch_size: 0\n"},
		{name: "negative outbox delay", body: "outbox:\n  retry_base_delay: -1s\n"},
		{name: "shrinking outbox multiplier", body: "outbox:\n  retry_base_delay: 1s\n  retry_multiplier: 0.5\n"},
		{name: "zero lease", body: "inbox:\n  lease: 0s\n"},
		{name: "zero ttl", body: "idempotency:\n  ttl: 0s\n"},
		{name: "bad level", body: "log:\n  level: loud\n"},
		{name: "bad environment", body: "log:\n  environment: moon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "retry: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestInboxOptions(t *testing.T) {
	t.Parallel()

	cfg := InboxConfig{Lease: time.Minute, HandlerTimeout: time.Second}
	assert.Len(t, cfg.Options(), 2)
	require.NoError(t, cfg.validate())

	cfg.HandlerTimeout = -time.Second
	require.Error(t, cfg.validate())
}

func TestLogConfigLogger(t *testing.T) {
	t.Parallel()

	logger, err := LogConfig{Level: "debug", Environment: "local"}.Logger("resilience-test")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = LogConfig{Level: "info", Environment: "moon"}.Logger("resilience-test")
	require.Error(t, err)
}

func TestOutboxRetryBackoff(t *testing.T) {
	path := writeFile(t, `
outbox:
  retry_base_delay: 1s
  retry_max_delay: 10s
`)

	t.Setenv("RESILIENCE_OUTBOX_RETRY_MULTIPLIER", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	strategy := cfg.Outbox.RetryBackoff()
	require.NotNil(t, strategy)

	assert.Equal(t, time.Second, strategy.Delay(1))
	assert.Equal(t, 3*time.Second, strategy.Delay(2))
	assert.Equal(t, 9*time.Second, strategy.Delay(3))
	assert.Equal(t, 10*time.Second, strategy.Delay(4))
	assert.Len(t, cfg.Outbox.Options(), 2)
}

func TestOutboxRetryBackoffDisabledByDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Nil(t, cfg.Outbox.RetryBackoff())
	assert.Len(t, cfg.Outbox.Options(), 1)
}

func TestOutboxRetryBackoffFromEnv(t *testing.T) {
	t.Setenv("RESILIENCE_OUTBOX_RETRY_BASE_DELAY_MS", "250")
	t.Setenv("RESILIENCE_OUTBOX_RETRY_MAX_DELAY_MS", "1000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.RetryBaseDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.RetryBackoff().Delay(2))
}
