package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

// Dispatcher publishes due outbox records and records each outcome.
type Dispatcher struct {
	repo            Repository
	publisher       Publisher
	retryClassifier RetryClassifier
	retryBackoff    backoff.Strategy
	deadLetter      DeadLetterFunc
	locker          Locker
	clock           clock.Clock
	sink            events.Sink
	logger          libLog.Logger
	tracer          trace.Tracer
	production      bool
	cfg             DispatcherConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// DispatchResult captures one tick outcome.
type DispatchResult struct {
	// Processed counts records the tick attempted to publish.
	Processed int
	// Published counts records marked DISPATCHED.
	Published int
	// Retried counts failures left PENDING for a later tick.
	Retried int
	// Failed counts records that became FAILED.
	Failed int
	// StateUpdateFailed counts records whose outcome could not be persisted.
	StateUpdateFailed int
	// Skipped is set when another process held the dispatch lock.
	Skipped bool
}

// NewDispatcher returns a dispatcher reading from repo and publishing
// through publisher.
func NewDispatcher(repo Repository, publisher Publisher, opts ...DispatcherOption) (*Dispatcher, error) {
	if nilcheck.Is(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Is(publisher) {
		return nil, ErrPublisherRequired
	}

	dispatcher := &Dispatcher{
		repo:      repo,
		publisher: publisher,
		clock:     clock.System(),
		sink:      events.Nop(),
		logger:    libLog.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("resilience.noop"),
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	if err := dispatcher.cfg.Validate(); err != nil {
		return nil, err
	}

	if dispatcher.cfg.LockKey == "" {
		dispatcher.cfg.LockKey = defaultLockKey
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the effective configuration.
func (dispatcher *Dispatcher) Config() DispatcherConfig {
	return dispatcher.cfg
}

// Run dispatches one tick, pauses DispatchInterval on the dispatcher
// clock and repeats until Stop is called or ctx ends.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, libLog.LevelInfo, "outbox dispatcher started",
		libLog.Duration("interval", dispatcher.cfg.DispatchInterval),
		libLog.Int("batch_size", dispatcher.cfg.BatchSize),
	)
	defer dispatcher.logger.Log(context.WithoutCancel(ctx), libLog.LevelInfo, "outbox dispatcher stopped")

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run", runtime.KeepRunning)

	for {
		if isClosedSignal(dispatcher.stop) || ctx.Err() != nil {
			return nil
		}

		dispatcher.tick(ctx)

		if err := dispatcher.clock.Sleep(ctx, dispatcher.cfg.DispatchInterval); err != nil {
			return nil
		}
	}
}

func (dispatcher *Dispatcher) tick(ctx context.Context) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	tickCtx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.tick")
	defer span.End()
	defer runtime.RecoverAndLog(tickCtx, dispatcher.logger, "outbox", "dispatcher_tick", runtime.KeepRunning)

	dispatcher.DispatchOnce(tickCtx)
}

// Stop signals the dispatcher loop to stop. A stopped dispatcher cannot
// be run again.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(dispatcher.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight tick to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, dispatcher.logger, "outbox", "dispatcher_shutdown_wait", runtime.KeepRunning, func(context.Context) {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs a single tick: list due records, publish each one and
// persist the outcome. A failing record never stops the rest of the batch.
// Delivery is at-least-once: a crash between publish and MarkDispatched
// publishes the record again.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) DispatchResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return DispatchResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	if dispatcher.locker != nil {
		unlock, acquired := dispatcher.lock(ctx, span)
		if !acquired {
			return DispatchResult{Skipped: true}
		}

		defer unlock()
	}

	records, err := dispatcher.repo.ListPending(ctx, dispatcher.cfg.BatchSize, dispatcher.clock.Now())
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list pending outbox records", err)
		libLog.SafeError(ctx, dispatcher.logger, "failed to list pending outbox records", err, dispatcher.production)

		return DispatchResult{}
	}

	var result DispatchResult

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}

		if record == nil {
			continue
		}

		result.Processed++

		dispatcher.dispatchRecord(ctx, record, &result)
	}

	span.SetAttributes(
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.published", result.Published),
		attribute.Int("outbox.dispatch.retried", result.Retried),
		attribute.Int("outbox.dispatch.failed", result.Failed),
		attribute.Int("outbox.dispatch.state_update_failed", result.StateUpdateFailed),
	)

	dispatcher.metrics.record(ctx, result, len(records), time.Since(started).Seconds())

	return result
}

func (dispatcher *Dispatcher) lock(ctx context.Context, span trace.Span) (func(), bool) {
	unlock, acquired, err := dispatcher.locker.TryLock(ctx, dispatcher.cfg.LockKey)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to acquire outbox dispatch lock", err)
		libLog.SafeError(ctx, dispatcher.logger, "failed to acquire outbox dispatch lock", err, dispatcher.production)

		return nil, false
	}

	if !acquired {
		libOpentelemetry.HandleSpanEvent(span, "outbox.dispatch.lock_held", attribute.String("outbox.lock_key", dispatcher.cfg.LockKey))

		return nil, false
	}

	return func() {
		if unlock == nil {
			return
		}

		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			dispatcher.logger.Log(ctx, libLog.LevelWarn, "failed to release outbox dispatch lock",
				libLog.String("lock_key", dispatcher.cfg.LockKey),
				libLog.Err(err),
			)
		}
	}, true
}

func (dispatcher *Dispatcher) dispatchRecord(ctx context.Context, record *Record, result *DispatchResult) {
	msg := record.Message()

	publishErr := dispatcher.publish(ctx, msg)
	now := dispatcher.clock.Now()

	if publishErr == nil {
		if err := dispatcher.repo.MarkDispatched(ctx, record.ID, now); err != nil {
			dispatcher.logger.Log(ctx, libLog.LevelError,
				"outbox record published but failed to persist DISPATCHED state; it may be published again",
				libLog.String("record_id", record.ID.String()),
				libLog.String("error", SanitizeError(err)),
			)

			result.StateUpdateFailed++

			return
		}

		result.Published++
		dispatcher.emit(events.KindOutboxDispatched, record, msg.Attempt, events.OutcomeSuccess, nil, 0)

		return
	}

	errMsg := SanitizeError(publishErr)

	if dispatcher.isNonRetryable(publishErr) {
		if err := dispatcher.repo.MarkFailed(ctx, record.ID, errMsg); err != nil {
			dispatcher.stateUpdateFailed(ctx, record, err, result)

			return
		}

		result.Failed++
		dispatcher.fail(ctx, record, msg.Attempt, errMsg, publishErr)

		return
	}

	var (
		nextAttemptAt *time.Time
		delay         time.Duration
	)

	if dispatcher.retryBackoff != nil {
		delay = max(dispatcher.retryBackoff.Delay(msg.Attempt), 0)
		at := now.Add(delay)
		nextAttemptAt = &at
	}

	status, err := dispatcher.repo.MarkAttemptFailed(ctx, record.ID, errMsg, dispatcher.cfg.MaxAttempts, nextAttemptAt)
	if err != nil {
		dispatcher.stateUpdateFailed(ctx, record, err, result)

		return
	}

	if status == StatusFailed {
		result.Failed++
		dispatcher.fail(ctx, record, msg.Attempt, errMsg, publishErr)

		return
	}

	result.Retried++
	dispatcher.emit(events.KindOutboxRetry, record, msg.Attempt, events.OutcomeFailure, publishErr, delay)
}

func (dispatcher *Dispatcher) publish(ctx context.Context, msg Message) (err error) {
	ctx, span := dispatcher.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.record_id", msg.ID.String()),
		attribute.String("outbox.event_type", msg.EventType),
		attribute.Int("outbox.attempt", msg.Attempt),
	)

	if dispatcher.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, dispatcher.cfg.PublishTimeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, dispatcher.logger, recovered, "outbox", "publish")

			err = fmt.Errorf("%w: publisher panicked: %v", runtime.ErrPanic, recovered)
		}
	}()

	if err := dispatcher.publisher.Publish(ctx, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to publish outbox record", err)

		return err
	}

	return nil
}

func (dispatcher *Dispatcher) fail(ctx context.Context, record *Record, attempt int, errMsg string, cause error) {
	dispatcher.emit(events.KindOutboxFailed, record, attempt, events.OutcomeFailure, cause, 0)

	dispatcher.logger.Log(ctx, libLog.LevelWarn, "outbox record failed permanently",
		libLog.String("record_id", record.ID.String()),
		libLog.String("event_type", record.EventType),
		libLog.Int("attempts", attempt),
		libLog.String("error", errMsg),
	)

	if dispatcher.deadLetter == nil {
		return
	}

	failed := clone(record)
	failed.Status = StatusFailed
	failed.AttemptCount = attempt
	failed.LastError = errMsg
	failed.NextAttemptAt = nil

	func() {
		defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dead_letter", runtime.KeepRunning)

		dispatcher.deadLetter(ctx, failed, cause)
	}()
}

func (dispatcher *Dispatcher) stateUpdateFailed(ctx context.Context, record *Record, err error, result *DispatchResult) {
	dispatcher.logger.Log(ctx, libLog.LevelError, "failed to persist outbox publish failure",
		libLog.String("record_id", record.ID.String()),
		libLog.String("error", SanitizeError(err)),
	)

	result.StateUpdateFailed++
}

func (dispatcher *Dispatcher) emit(kind events.Kind, record *Record, attempt int, outcome string, err error, delay time.Duration) {
	dispatcher.sink.Emit(events.Event{
		Kind:    kind,
		Name:    record.EventType,
		Time:    dispatcher.clock.Now(),
		Attempt: attempt,
		Outcome: outcome,
		Delay:   delay,
		Err:     err,
	})
}

func (dispatcher *Dispatcher) isNonRetryable(err error) bool {
	if dispatcher.retryClassifier != nil && dispatcher.retryClassifier.IsNonRetryable(err) {
		return true
	}

	return IsHandlerNotRegistered(err)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.cancelFunc != nil {
		dispatcher.cancelFunc()
	}

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}
