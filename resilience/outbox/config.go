package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultBatchSize        = 50
	defaultMaxAttempts      = 10
	defaultPublishTimeout   = 10 * time.Second
	defaultLockKey          = "outbox:dispatcher"
)

// DispatcherConfig controls dispatcher polling and retry behavior.
type DispatcherConfig struct {
	// DispatchInterval is the pause between ticks in Run.
	DispatchInterval time.Duration
	// BatchSize is the max number of records handled per tick.
	BatchSize int
	// MaxAttempts is the number of failed publishes after which a record becomes FAILED.
	MaxAttempts int
	// PublishTimeout bounds a single Publish call. Zero disables the bound.
	PublishTimeout time.Duration
	// LockKey names the distributed lock taken per tick when a Locker is set.
	LockKey string
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval: defaultDispatchInterval,
		BatchSize:        defaultBatchSize,
		MaxAttempts:      defaultMaxAttempts,
		PublishTimeout:   defaultPublishTimeout,
		LockKey:          defaultLockKey,
	}
}

// Validate reports settings NewDispatcher cannot work with.
func (cfg DispatcherConfig) Validate() error {
	if cfg.DispatchInterval <= 0 {
		return fmt.Errorf("%w: dispatch interval must be positive, got %s", ErrInvalidConfig, cfg.DispatchInterval)
	}

	if cfg.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, cfg.BatchSize)
	}

	if cfg.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrInvalidConfig, cfg.MaxAttempts)
	}

	if cfg.PublishTimeout < 0 {
		return fmt.Errorf("%w: publish timeout must not be negative, got %s", ErrInvalidConfig, cfg.PublishTimeout)
	}

	return nil
}

// DeadLetterFunc receives a record right after it became FAILED.
type DeadLetterFunc func(ctx context.Context, record *Record, cause error)

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.cfg = cfg }
}

// WithBatchSize sets the maximum records handled in one tick.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.cfg.BatchSize = size }
}

// WithDispatchInterval sets the pause between ticks.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.cfg.DispatchInterval = interval }
}

// WithMaxAttempts sets how many failed publishes a record tolerates.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.cfg.MaxAttempts = attempts }
}

// WithPublishTimeout bounds each Publish call.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.cfg.PublishTimeout = timeout }
}

// WithRetryBackoff delays a failed record by strategy.Delay(attemptCount)
// before it is listed again. Without it a failed record is due next tick.
func WithRetryBackoff(strategy backoff.Strategy) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.retryBackoff = strategy }
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Is(classifier) {
			dispatcher.retryClassifier = nil

			return
		}

		dispatcher.retryClassifier = classifier
	}
}

// WithDeadLetter registers fn to run for every record that becomes FAILED.
func WithDeadLetter(fn DeadLetterFunc) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.deadLetter = fn }
}

// WithLocker makes each tick run only while holding cfg.LockKey.
func WithLocker(locker Locker) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Is(locker) {
			dispatcher.locker = nil

			return
		}

		dispatcher.locker = locker
	}
}

// WithLockKey sets the distributed lock name.
func WithLockKey(key string) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.cfg.LockKey = key }
}

// WithClock sets the time source for due checks, timestamps and the tick pause.
func WithClock(c clock.Clock) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink receiving one event per record outcome.
func WithEventSink(sink events.Sink) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.sink = events.OrNop(sink) }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger libLog.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.logger = libLog.OrNop(logger) }
}

// WithTracer sets the tracer used for tick and publish spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Is(tracer) {
			return
		}

		dispatcher.tracer = tracer
	}
}

// WithMeterProvider injects a meter provider for dispatcher metrics.
// Passing nil keeps the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Is(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}

// WithProduction hides error messages from logs, keeping only error types.
func WithProduction(production bool) DispatcherOption {
	return func(dispatcher *Dispatcher) { dispatcher.production = production }
}
