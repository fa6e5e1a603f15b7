//go:build unit

package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/LerianStudio/lib-resilience/resilience/backoff"
	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var errBroker = errors.New("broker unavailable")

type recordingPublisher struct {
	mu       sync.Mutex
	messages []Message
	fail     func(Message) error
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, msg)

	if p.fail != nil {
		return p.fail(msg)
	}

	return nil
}

func (p *recordingPublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]Message(nil), p.messages...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]events.Kind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}

	return kinds
}

func seed(t *testing.T, repo *MemoryRepository, n int) []*Record {
	t.Helper()

	records := make([]*Record, 0, n)

	for i := range n {
		record, err := NewRecord(context.Background(), "order.created", "order-1", []byte(`{"n":1}`),
			WithCreatedAt(epoch.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)

		stored, err := repo.Create(context.Background(), record)
		require.NoError(t, err)

		records = append(records, stored)
	}

	return records
}

func newTestDispatcher(t *testing.T, repo Repository, pub Publisher, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	dispatcher, err := NewDispatcher(repo, pub, opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	pub := &recordingPublisher{}

	_, err := NewDispatcher(nil, pub)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	var nilRepo *MemoryRepository
	_, err = NewDispatcher(nilRepo, pub)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDispatcher(repo, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)

	_, err = NewDispatcher(repo, pub, WithBatchSize(0))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewDispatcher(repo, pub, WithMaxAttempts(-1))
	require.ErrorIs(t, err, ErrInvalidConfig)

	dispatcher, err := NewDispatcher(repo, pub, nil, WithLockKey(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultDispatcherConfig(), dispatcher.Config())
}

func TestDispatchOncePublishesInCreationOrder(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seeded := seed(t, repo, 3)
	pub := &recordingPublisher{}
	clk := clock.NewVirtual(epoch.Add(time.Hour))
	recorder := &eventRecorder{}

	dispatcher := newTestDispatcher(t, repo, pub, WithClock(clk), WithEventSink(recorder))

	result := dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 3, Published: 3}, result)

	published := pub.published()
	require.Len(t, published, 3)

	for i, msg := range published {
		assert.Equal(t, seeded[i].ID, msg.ID)
		assert.Equal(t, 1, msg.Attempt)
	}

	for _, record := range repo.Records() {
		assert.Equal(t, StatusDispatched, record.Status)
		require.NotNil(t, record.DispatchedAt)
		assert.Equal(t, clk.Now(), *record.DispatchedAt)
	}

	assert.Equal(t, []events.Kind{events.KindOutboxDispatched, events.KindOutboxDispatched, events.KindOutboxDispatched}, recorder.kinds())

	assert.Equal(t, DispatchResult{}, dispatcher.DispatchOnce(context.Background()))
}

func TestDispatchOnceRespectsBatchSize(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seed(t, repo, 5)
	pub := &recordingPublisher{}

	dispatcher := newTestDispatcher(t, repo, pub, WithBatchSize(2), WithClock(clock.NewVirtual(epoch.Add(time.Hour))))

	assert.Equal(t, 2, dispatcher.DispatchOnce(context.Background()).Published)
	assert.Equal(t, 2, dispatcher.DispatchOnce(context.Background()).Published)
	assert.Equal(t, 1, dispatcher.DispatchOnce(context.Background()).Published)
}

func TestDispatchOnceContinuesAfterRecordFailure(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seeded := seed(t, repo, 3)
	pub := &recordingPublisher{fail: func(msg Message) error {
		if msg.ID == seeded[1].ID {
			return errBroker
		}

		return nil
	}}

	dispatcher := newTestDispatcher(t, repo, pub, WithClock(clock.NewVirtual(epoch.Add(time.Hour))))

	result := dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 3, Published: 2, Retried: 1}, result)

	failed, err := repo.GetByID(context.Background(), seeded[1].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, "broker unavailable", failed.LastError)
	assert.Nil(t, failed.NextAttemptAt)

	// Without a retry backoff the record is due on the very next tick.
	pub.fail = nil
	result = dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 1, Published: 1}, result)
	assert.Equal(t, 2, pub.published()[3].Attempt)
}

func TestDispatchOnceFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seeded := seed(t, repo, 1)
	pub := &recordingPublisher{fail: func(Message) error { return errBroker }}
	recorder := &eventRecorder{}

	var deadLetters []*Record

	dispatcher := newTestDispatcher(t, repo, pub,
		WithMaxAttempts(2),
		WithClock(clock.NewVirtual(epoch.Add(time.Hour))),
		WithEventSink(recorder),
		WithDeadLetter(func(_ context.Context, record *Record, cause error) {
			assert.ErrorIs(t, cause, errBroker)
			deadLetters = append(deadLetters, record)
		}),
	)

	assert.Equal(t, DispatchResult{Processed: 1, Retried: 1}, dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, DispatchResult{Processed: 1, Failed: 1}, dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, DispatchResult{}, dispatcher.DispatchOnce(context.Background()))

	stored, err := repo.GetByID(context.Background(), seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.AttemptCount)

	require.Len(t, deadLetters, 1)
	assert.Equal(t, StatusFailed, deadLetters[0].Status)
	assert.Equal(t, 2, deadLetters[0].AttemptCount)
	assert.Equal(t, []events.Kind{events.KindOutboxRetry, events.KindOutboxFailed}, recorder.kinds())
}

func TestDispatchOnceNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	errInvalid := errors.New("payload rejected by schema")

	repo := NewMemoryRepository()
	seeded := seed(t, repo, 1)
	pub := &recordingPublisher{fail: func(Message) error { return errInvalid }}

	dispatcher := newTestDispatcher(t, repo, pub,
		WithRetryClassifier(NonRetryable(errInvalid)),
		WithClock(clock.NewVirtual(epoch.Add(time.Hour))),
	)

	assert.Equal(t, DispatchResult{Processed: 1, Failed: 1}, dispatcher.DispatchOnce(context.Background()))

	stored, err := repo.GetByID(context.Background(), seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
}

func TestDispatchOnceUnroutedEventTypeFails(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seed(t, repo, 1)

	routed := NewHandlerPublisher()
	require.NoError(t, routed.Register("invoice.paid", func(context.Context, Message) error { return nil }))

	dispatcher := newTestDispatcher(t, repo, routed, WithClock(clock.NewVirtual(epoch.Add(time.Hour))))

	assert.Equal(t, DispatchResult{Processed: 1, Failed: 1}, dispatcher.DispatchOnce(context.Background()))
}

func TestDispatchOnceRetryBackoffDelaysRecord(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seeded := seed(t, repo, 1)
	clk := clock.NewVirtual(epoch.Add(time.Hour))
	pub := &recordingPublisher{fail: func(Message) error { return errBroker }}
	recorder := &eventRecorder{}

	dispatcher := newTestDispatcher(t, repo, pub,
		WithClock(clk),
		WithEventSink(recorder),
		WithRetryBackoff(backoff.Constant(time.Minute)),
	)

	assert.Equal(t, 1, dispatcher.DispatchOnce(context.Background()).Retried)

	stored, err := repo.GetByID(context.Background(), seeded[0].ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextAttemptAt)
	assert.Equal(t, clk.Now().Add(time.Minute), *stored.NextAttemptAt)

	assert.Equal(t, DispatchResult{}, dispatcher.DispatchOnce(context.Background()))

	clk.Advance(59 * time.Second)
	assert.Equal(t, DispatchResult{}, dispatcher.DispatchOnce(context.Background()))

	clk.Advance(time.Second)
	pub.fail = nil
	assert.Equal(t, DispatchResult{Processed: 1, Published: 1}, dispatcher.DispatchOnce(context.Background()))

	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	assert.Equal(t, time.Minute, recorder.events[0].Delay)
}

type flakyRepository struct {
	*MemoryRepository
	listErr     error
	dispatchErr error
}

func (f *flakyRepository) ListPending(ctx context.Context, limit int, now time.Time) ([]*Record, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}

	return f.MemoryRepository.ListPending(ctx, limit, now)
}

func (f *flakyRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	if f.dispatchErr != nil {
		return f.dispatchErr
	}

	return f.MemoryRepository.MarkDispatched(ctx, id, at)
}

func TestDispatchOnceRepositoryFailures(t *testing.T) {
	t.Parallel()

	repo := &flakyRepository{MemoryRepository: NewMemoryRepository()}
	seed(t, repo.MemoryRepository, 2)
	pub := &recordingPublisher{}

	dispatcher := newTestDispatcher(t, repo, pub, WithClock(clock.NewVirtual(epoch.Add(time.Hour))))

	repo.listErr = errors.New("connection reset")
	assert.Equal(t, DispatchResult{}, dispatcher.DispatchOnce(context.Background()))
	assert.Empty(t, pub.published())

	repo.listErr = nil
	repo.dispatchErr = errors.New("connection reset")
	assert.Equal(t, DispatchResult{Processed: 2, StateUpdateFailed: 2}, dispatcher.DispatchOnce(context.Background()))

	// Records stay pending, so they are published again: at-least-once.
	repo.dispatchErr = nil
	assert.Equal(t, DispatchResult{Processed: 2, Published: 2}, dispatcher.DispatchOnce(context.Background()))
	assert.Len(t, pub.published(), 4)
}

func TestDispatchOncePublisherPanicIsRetried(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seeded := seed(t, repo, 1)

	pub := PublisherFunc(func(context.Context, Message) error { panic("nil channel") })

	dispatcher := newTestDispatcher(t, repo, pub, WithClock(clock.NewVirtual(epoch.Add(time.Hour))))

	assert.Equal(t, DispatchResult{Processed: 1, Retried: 1}, dispatcher.DispatchOnce(context.Background()))

	stored, err := repo.GetByID(context.Background(), seeded[0].ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "publisher panicked")
}

func TestDispatchOncePublishTimeout(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seed(t, repo, 1)

	pub := PublisherFunc(func(ctx context.Context, _ Message) error {
		<-ctx.Done()

		return ctx.Err()
	})

	dispatcher := newTestDispatcher(t, repo, pub,
		WithPublishTimeout(10*time.Millisecond),
		WithClock(clock.NewVirtual(epoch.Add(time.Hour))),
	)

	assert.Equal(t, DispatchResult{Processed: 1, Retried: 1}, dispatcher.DispatchOnce(context.Background()))
}

type stubLocker struct {
	acquired bool
	err      error
	released atomic.Int32
}

func (l *stubLocker) TryLock(context.Context, string) (func(context.Context) error, bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}

	return func(context.Context) error {
		l.released.Add(1)

		return nil
	}, true, nil
}

func TestDispatchOnceLocker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		locker    *stubLocker
		want      DispatchResult
		published int
		released  int32
	}{
		{name: "acquired", locker: &stubLocker{acquired: true}, want: DispatchResult{Processed: 1, Published: 1}, published: 1, released: 1},
		{name: "held elsewhere", locker: &stubLocker{}, want: DispatchResult{Skipped: true}},
		{name: "lock error", locker: &stubLocker{err: errors.New("redis down")}, want: DispatchResult{Skipped: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := NewMemoryRepository()
			seed(t, repo, 1)
			pub := &recordingPublisher{}

			dispatcher := newTestDispatcher(t, repo, pub,
				WithLocker(tt.locker),
				WithClock(clock.NewVirtual(epoch.Add(time.Hour))),
			)

			assert.Equal(t, tt.want, dispatcher.DispatchOnce(context.Background()))
			assert.Len(t, pub.published(), tt.published)
			assert.Equal(t, tt.released, tt.locker.released.Load())
		})
	}
}

func TestDispatcherRunTicksOnClock(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	seed(t, repo, 1)
	pub := &recordingPublisher{}
	clk := clock.NewVirtual(epoch.Add(time.Hour))

	dispatcher := newTestDispatcher(t, repo, pub, WithClock(clk), WithDispatchInterval(time.Second))

	done := make(chan error, 1)

	go func() { done <- dispatcher.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, clk.BlockUntil(ctx, 1))
	assert.Len(t, pub.published(), 1)

	require.ErrorIs(t, dispatcher.Run(context.Background()), ErrDispatcherRunning)

	record, err := NewRecord(context.Background(), "order.shipped", "order-1", []byte(`{}`), WithCreatedAt(clk.Now()))
	require.NoError(t, err)
	_, err = repo.Create(context.Background(), record)
	require.NoError(t, err)

	clk.Advance(time.Second)

	require.Eventually(t, func() bool { return len(pub.published()) == 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, dispatcher.Shutdown(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherRunStopsWithContext(t *testing.T) {
	t.Parallel()

	clk := clock.NewVirtual(epoch)
	dispatcher := newTestDispatcher(t, NewMemoryRepository(), &recordingPublisher{}, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- dispatcher.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()

	require.NoError(t, clk.BlockUntil(waitCtx, 1))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-waitCtx.Done():
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherStopBeforeRun(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, NewMemoryRepository(), &recordingPublisher{}, WithClock(clock.NewVirtual(epoch)))

	dispatcher.Stop()
	dispatcher.Stop()

	require.NoError(t, dispatcher.Run(context.Background()))
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	var nilDispatcher *Dispatcher
	require.ErrorIs(t, nilDispatcher.Run(context.Background()), ErrDispatcherRequired)
	require.NoError(t, nilDispatcher.Shutdown(context.Background()))
	assert.Equal(t, DispatchResult{}, nilDispatcher.DispatchOnce(context.Background()))
}

func TestDispatcherMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	repo := NewMemoryRepository()
	seeded := seed(t, repo, 3)
	pub := &recordingPublisher{fail: func(msg Message) error {
		if msg.ID == seeded[2].ID {
			return errBroker
		}

		return nil
	}}

	dispatcher := newTestDispatcher(t, repo, pub,
		WithMeterProvider(provider),
		WithClock(clock.NewVirtual(epoch.Add(time.Hour))),
	)

	dispatcher.DispatchOnce(context.Background())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(2), sumCounter(rm, "outbox.records.dispatched"))
	assert.Equal(t, int64(1), sumCounter(rm, "outbox.records.retried"))
	assert.Equal(t, int64(0), sumCounter(rm, "outbox.records.failed"))
}

func sumCounter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}

	return total
}
