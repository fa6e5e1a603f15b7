package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

// Defaults applied by New.
const (
	DefaultTTL          = 24 * time.Hour
	DefaultLockTTL      = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultWaitTimeout  = 30 * time.Second
)

// Config controls record lifetimes and waiting.
type Config struct {
	// TTL is how long a completed result is replayed.
	TTL time.Duration
	// LockTTL bounds one execution. The operation context carries this
	// deadline and another caller may take the key over once it passes.
	LockTTL time.Duration
	// PollInterval is the pause between store reads while waiting.
	PollInterval time.Duration
	// WaitTimeout bounds how long a caller waits for another execution.
	WaitTimeout time.Duration
}

// DefaultConfig returns the default lifetimes.
func DefaultConfig() Config {
	return Config{
		TTL:          DefaultTTL,
		LockTTL:      DefaultLockTTL,
		PollInterval: DefaultPollInterval,
		WaitTimeout:  DefaultWaitTimeout,
	}
}

// Validate checks that every duration is positive.
func (cfg Config) Validate() error {
	switch {
	case cfg.TTL <= 0:
		return fmt.Errorf("%w: TTL must be positive", ErrInvalidConfig)
	case cfg.LockTTL <= 0:
		return fmt.Errorf("%w: lock TTL must be positive", ErrInvalidConfig)
	case cfg.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case cfg.WaitTimeout <= 0:
		return fmt.Errorf("%w: wait timeout must be positive", ErrInvalidConfig)
	}

	return nil
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(m *Middleware) { m.cfg = cfg }
}

// WithTTL sets how long completed results are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(m *Middleware) { m.cfg.TTL = ttl }
}

// WithLockTTL sets how long one execution owns a key.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Middleware) { m.cfg.LockTTL = ttl }
}

// WithPollInterval sets the pause between store reads while waiting.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Middleware) { m.cfg.PollInterval = interval }
}

// WithWaitTimeout bounds the wait for a concurrent execution.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(m *Middleware) { m.cfg.WaitTimeout = timeout }
}

// WithName labels events.
func WithName(name string) Option {
	return func(m *Middleware) {
		if name = strings.TrimSpace(name); name != "" {
			m.name = name
		}
	}
}

// WithClock sets the clock used for lifetimes and polling.
func WithClock(c clock.Clock) Option {
	return func(m *Middleware) { m.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink receiving replay and conflict events.
func WithEventSink(sink events.Sink) Option {
	return func(m *Middleware) { m.sink = events.OrNop(sink) }
}

// WithLogger sets the middleware logger.
func WithLogger(logger libLog.Logger) Option {
	return func(m *Middleware) { m.logger = libLog.OrNop(logger) }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Middleware) {
		if !nilcheck.Is(tracer) {
			m.tracer = tracer
		}
	}
}

// Middleware executes keyed operations at most once per key.
type Middleware struct {
	store  Store
	cfg    Config
	name   string
	clock  clock.Clock
	sink   events.Sink
	logger libLog.Logger
	tracer trace.Tracer
	group  singleflight.Group
}

// Result is the stored outcome of an execution.
type Result struct {
	Data []byte
	// Replayed is set when Data came from an earlier execution.
	Replayed bool
}

// New returns a Middleware backed by store.
func New(store Store, opts ...Option) (*Middleware, error) {
	if nilcheck.Is(store) {
		return nil, ErrStoreRequired
	}

	m := &Middleware{
		store:  store,
		cfg:    DefaultConfig(),
		name:   "idempotency",
		clock:  clock.System(),
		sink:   events.Nop(),
		logger: libLog.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("resilience.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Config returns the effective configuration.
func (m *Middleware) Config() Config {
	return m.cfg
}

// Execute runs op at most once for key and fingerprint and returns the
// encoded result. Concurrent callers in this process share one store
// round trip; each of them stops waiting when its own ctx ends.
func (m *Middleware) Execute(
	ctx context.Context,
	key, fingerprint string,
	op func(ctx context.Context) ([]byte, error),
) (Result, error) {
	if m == nil || m.store == nil {
		return Result{}, ErrMiddlewareRequired
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, ErrKeyRequired
	}

	if op == nil {
		return Result{}, ErrOperationRequired
	}

	shared := context.WithoutCancel(ctx)

	ch := m.group.DoChan(key+"\x00"+fingerprint, func() (any, error) {
		return m.execute(shared, key, fingerprint, op)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}

		result, _ := res.Val.(Result)
		result.Data = append([]byte(nil), result.Data...)

		return result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("idempotency wait for %q: %w", key, ctx.Err())
	}
}

func (m *Middleware) execute(
	ctx context.Context,
	key, fingerprint string,
	op func(ctx context.Context) ([]byte, error),
) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "idempotency.execute")
	defer span.End()

	span.SetAttributes(attribute.String("idempotency.key", key))

	deadline := m.clock.Now().Add(m.cfg.WaitTimeout)

	for {
		now := m.clock.Now()
		reservation := &Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusInProgress,
			Token:       uuid.NewString(),
			CreatedAt:   now,
			LockedUntil: now.Add(m.cfg.LockTTL),
			ExpiresAt:   now.Add(m.cfg.TTL),
		}

		existing, reserved, err := m.store.Reserve(ctx, reservation)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to reserve idempotency key", err)

			return Result{}, fmt.Errorf("reserve idempotency key %q: %w", key, err)
		}

		if reserved {
			return m.run(ctx, span, reservation, op)
		}

		if existing.Fingerprint != fingerprint {
			conflict := &KeyConflictError{
				Key:                key,
				StoredFingerprint:  existing.Fingerprint,
				RequestFingerprint: fingerprint,
			}

			m.emit(events.KindIdempotencyConflict, events.OutcomeFailure, conflict)
			libOpentelemetry.HandleSpanError(span, "idempotency key conflict", conflict)

			return Result{}, conflict
		}

		if existing.Status == StatusCompleted {
			m.emit(events.KindIdempotencyReplay, events.OutcomeSuccess, nil)
			libOpentelemetry.HandleSpanEvent(span, "idempotency.replay")

			return Result{Data: existing.Result, Replayed: true}, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			err := fmt.Errorf("%w: key %q", ErrWaitTimeout, key)
			libOpentelemetry.HandleSpanError(span, "idempotency wait timed out", err)

			return Result{}, err
		}

		if err := m.clock.Sleep(ctx, min(m.cfg.PollInterval, remaining)); err != nil {
			return Result{}, err
		}
	}
}

func (m *Middleware) run(
	ctx context.Context,
	span trace.Span,
	reservation *Record,
	op func(ctx context.Context) ([]byte, error),
) (Result, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTTL)
	defer cancel()

	data, opErr := m.invoke(opCtx, op)
	if opErr != nil {
		if err := m.store.Release(ctx, reservation.Key, reservation.Token); err != nil {
			m.logger.Log(ctx, libLog.LevelWarn, "failed to release idempotency key; it frees up after the lock TTL",
				libLog.String("key", reservation.Key),
				libLog.Err(err),
			)
		}

		libOpentelemetry.HandleSpanError(span, "idempotent operation failed", opErr)

		return Result{}, opErr
	}

	if err := m.store.Complete(ctx, reservation.Key, reservation.Token, data, m.clock.Now().Add(m.cfg.TTL)); err != nil {
		// The operation already took effect; only the replay is lost.
		m.logger.Log(ctx, libLog.LevelError, "failed to store idempotent result",
			libLog.String("key", reservation.Key),
			libLog.Err(err),
		)
	}

	return Result{Data: data}, nil
}

func (m *Middleware) invoke(ctx context.Context, op func(ctx context.Context) ([]byte, error)) (data []byte, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, m.logger, recovered, "idempotency", m.name)

			err = fmt.Errorf("%w: operation panicked: %v", runtime.ErrPanic, recovered)
		}
	}()

	return op(ctx)
}

func (m *Middleware) emit(kind events.Kind, outcome string, err error) {
	m.sink.Emit(events.Event{
		Kind:    kind,
		Name:    m.name,
		Time:    m.clock.Now(),
		Outcome: outcome,
		Err:     err,
	})
}

// Execute runs op at most once for key and req. The result is stored as
// JSON, so Res must survive a JSON round trip. Every caller, including
// the one that ran op, receives the decoded stored value.
func Execute[Req, Res any](
	ctx context.Context,
	m *Middleware,
	key string,
	req Req,
	op func(ctx context.Context) (Res, error),
) (Res, error) {
	var zero Res

	if op == nil {
		return zero, ErrOperationRequired
	}

	fingerprint, err := Fingerprint(req)
	if err != nil {
		return zero, err
	}

	result, err := m.Execute(ctx, key, fingerprint, func(ctx context.Context) ([]byte, error) {
		value, err := op(ctx)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode idempotent result: %w", err)
		}

		return encoded, nil
	})
	if err != nil {
		return zero, err
	}

	var out Res

	if err := json.Unmarshal(result.Data, &out); err != nil {
		return zero, fmt.Errorf("decode idempotent result: %w", err)
	}

	return out, nil
}
