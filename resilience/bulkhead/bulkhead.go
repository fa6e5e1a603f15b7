package bulkhead

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrent = 10
	DefaultMaxQueue      = 5
)

// Config sizes a bulkhead. QueueTimeout zero means waiters are bounded
// only by their context.
type Config struct {
	MaxConcurrent int
	MaxQueue      int
	QueueTimeout  time.Duration
}

// DefaultConfig allows 10 concurrent calls and 5 waiters.
func DefaultConfig() Config {
	return Config{MaxConcurrent: DefaultMaxConcurrent, MaxQueue: DefaultMaxQueue}
}

// Validate rejects a config that could never admit a call.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max concurrent must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrent)
	}

	if c.MaxQueue < 0 {
		return fmt.Errorf("%w: max queue must not be negative, got %d", ErrInvalidConfig, c.MaxQueue)
	}

	if c.QueueTimeout < 0 {
		return fmt.Errorf("%w: queue timeout must not be negative", ErrInvalidConfig)
	}

	return nil
}

// Option configures a Bulkhead.
type Option func(*Bulkhead)

// WithLogger sets the bulkhead logger.
func WithLogger(logger libLog.Logger) Option {
	return func(b *Bulkhead) { b.logger = libLog.OrNop(logger) }
}

// WithClock sets the clock used to measure queue waits.
func WithClock(c clock.Clock) Option {
	return func(b *Bulkhead) { b.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink for rejection and timeout events.
func WithEventSink(s events.Sink) Option {
	return func(b *Bulkhead) { b.sink = events.OrNop(s) }
}

// Bulkhead is a concurrency limiter with a bounded FIFO wait queue.
type Bulkhead struct {
	name   string
	cfg    Config
	sem    *semaphore.Weighted
	logger libLog.Logger
	clock  clock.Clock
	sink   events.Sink

	mu       sync.Mutex
	inFlight int
	waiting  int
}

// New returns an empty bulkhead.
func New(name string, cfg Config, opts ...Option) (*Bulkhead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bulkhead %q: %w", name, err)
	}

	b := &Bulkhead{
		name:   name,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: libLog.NewNop(),
		clock:  clock.System(),
		sink:   events.Nop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b, nil
}

// Name returns the bulkhead identity.
func (b *Bulkhead) Name() string {
	return b.name
}

// Config returns the bulkhead sizing.
func (b *Bulkhead) Config() Config {
	return b.cfg
}

// InFlight returns the number of admitted calls that have not released.
func (b *Bulkhead) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.inFlight
}

// Waiting returns the number of queued callers.
func (b *Bulkhead) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.waiting
}

// Run executes op once a slot is available.
func (b *Bulkhead) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})

	return err
}

// Run executes op through b and returns its value. The slot is released
// on every exit path, panics included.
func Run[T any](ctx context.Context, b *Bulkhead, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	release, err := b.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()

	return op(ctx)
}

// Acquire takes a slot and returns the function that gives it back. The
// release function is idempotent.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context done: %w", err)
	}

	b.mu.Lock()

	// TryAcquire fails while anyone is queued, which keeps admission FIFO.
	if b.sem.TryAcquire(1) {
		b.inFlight++
		b.mu.Unlock()

		return b.releaser(), nil
	}

	if b.waiting >= b.cfg.MaxQueue {
		b.mu.Unlock()

		return nil, b.reject(ctx)
	}

	b.waiting++
	b.mu.Unlock()

	return b.wait(ctx)
}

func (b *Bulkhead) wait(ctx context.Context) (func(), error) {
	waitCtx := ctx

	if b.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, b.cfg.QueueTimeout)
		defer cancel()
	}

	start := b.clock.Now()
	err := b.sem.Acquire(waitCtx, 1)

	b.mu.Lock()
	b.waiting--

	if err == nil {
		b.inFlight++
	}
	b.mu.Unlock()

	if err == nil {
		return b.releaser(), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("context done: %w", ctxErr)
	}

	waited := b.clock.Now().Sub(start)

	b.sink.Emit(events.Event{
		Kind:    events.KindBulkheadTimeout,
		Name:    b.name,
		Time:    b.clock.Now(),
		Outcome: events.OutcomeFailure,
		Delay:   waited,
	})

	b.logger.Log(ctx, libLog.LevelWarn, "bulkhead queue timeout",
		libLog.String("bulkhead", b.name),
		libLog.Duration("waited", waited),
	)

	return nil, &TimeoutError{Name: b.name, Waited: waited}
}

func (b *Bulkhead) releaser() func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.inFlight--
			b.mu.Unlock()

			b.sem.Release(1)
		})
	}
}

func (b *Bulkhead) reject(ctx context.Context) error {
	b.sink.Emit(events.Event{
		Kind:    events.KindBulkheadRejected,
		Name:    b.name,
		Time:    b.clock.Now(),
		Outcome: events.OutcomeFailure,
	})

	b.logger.Log(ctx, libLog.LevelDebug, "bulkhead rejected call",
		libLog.String("bulkhead", b.name),
		libLog.Int("max_concurrent", b.cfg.MaxConcurrent),
		libLog.Int("max_queue", b.cfg.MaxQueue),
	)

	return &RejectedError{Name: b.name, MaxConcurrent: b.cfg.MaxConcurrent, MaxQueue: b.cfg.MaxQueue}
}
