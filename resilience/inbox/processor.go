package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/events"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

// DefaultLease is how long a RECEIVED claim protects a message from
// being processed by another consumer.
const DefaultLease = 5 * time.Minute

// Handler processes one message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Option configures a Processor.
type Option func(*Processor)

// WithLease sets how long a claim stays exclusive. Non-positive values
// are rejected by NewProcessor.
func WithLease(lease time.Duration) Option {
	return func(p *Processor) { p.lease = lease }
}

// WithHandlerTimeout bounds each handler call. Zero disables it.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(p *Processor) { p.handlerTimeout = timeout }
}

// WithClock sets the clock used for timestamps and lease checks.
func WithClock(c clock.Clock) Option {
	return func(p *Processor) { p.clock = clock.OrSystem(c) }
}

// WithEventSink sets the sink receiving processed, duplicate and failed events.
func WithEventSink(sink events.Sink) Option {
	return func(p *Processor) { p.sink = events.OrNop(sink) }
}

// WithLogger sets the processor logger.
func WithLogger(logger libLog.Logger) Option {
	return func(p *Processor) { p.logger = libLog.OrNop(logger) }
}

// WithTracer sets the tracer used for receive spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithProduction hides error details from logs.
func WithProduction(production bool) Option {
	return func(p *Processor) { p.production = production }
}

// Processor records deliveries in a Repository and runs the handler at
// most once per successful processing of a message.
type Processor struct {
	repo           Repository
	consumerGroup  string
	handler        Handler
	lease          time.Duration
	handlerTimeout time.Duration
	clock          clock.Clock
	sink           events.Sink
	logger         libLog.Logger
	tracer         trace.Tracer
	production     bool
}

// NewProcessor returns a processor for consumerGroup.
func NewProcessor(repo Repository, consumerGroup string, handler Handler, opts ...Option) (*Processor, error) {
	if nilcheck.Is(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Is(handler) {
		return nil, ErrHandlerRequired
	}

	consumerGroup = strings.TrimSpace(consumerGroup)
	if consumerGroup == "" {
		return nil, ErrConsumerGroupRequired
	}

	p := &Processor{
		repo:          repo,
		consumerGroup: consumerGroup,
		handler:       handler,
		lease:         DefaultLease,
		clock:         clock.System(),
		sink:          events.Nop(),
		logger:        libLog.NewNop(),
		tracer:        noop.NewTracerProvider().Tracer("resilience.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.lease <= 0 {
		return nil, fmt.Errorf("%w: lease must be positive", ErrInvalidConfig)
	}

	if p.handlerTimeout < 0 {
		return nil, fmt.Errorf("%w: handler timeout must not be negative", ErrInvalidConfig)
	}

	return p, nil
}

// ConsumerGroup returns the group this processor records messages under.
func (p *Processor) ConsumerGroup() string {
	return p.consumerGroup
}

// Receive handles msg unless the consumer group already processed it.
// A nil return means the message may be acknowledged. Handler errors are
// returned so the broker redelivers the message.
func (p *Processor) Receive(ctx context.Context, msg Message) error {
	if p == nil || p.repo == nil {
		return ErrRepositoryRequired
	}

	key := Key{MessageID: strings.TrimSpace(msg.ID), ConsumerGroup: p.consumerGroup}
	if err := key.Validate(); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "inbox.receive")
	defer span.End()

	span.SetAttributes(
		attribute.String("inbox.message_id", key.MessageID),
		attribute.String("inbox.consumer_group", key.ConsumerGroup),
		attribute.String("inbox.topic", msg.Topic),
	)

	attempt, err := p.admit(ctx, key, msg)
	if err != nil {
		if !errors.Is(err, errDuplicate) {
			libOpentelemetry.HandleSpanError(span, "inbox admission failed", err)

			return err
		}

		libOpentelemetry.HandleSpanEvent(span, "inbox.duplicate")

		return nil
	}

	span.SetAttributes(attribute.Int("inbox.attempt", attempt))

	handleErr := p.handle(ctx, msg)
	if handleErr != nil {
		libOpentelemetry.HandleSpanError(span, "inbox handler failed", handleErr)

		if markErr := p.repo.MarkFailed(ctx, key, outbox.SanitizeError(handleErr)); markErr != nil {
			libLog.SafeError(ctx, p.logger, "failed to persist inbox failure; the claim expires after the lease", markErr, p.production)
		}

		p.emit(events.KindInboxFailed, key, attempt, events.OutcomeFailure, handleErr)

		return fmt.Errorf("inbox handler failed for message %s: %w", key.MessageID, handleErr)
	}

	if err := p.repo.MarkProcessed(ctx, key, p.clock.Now()); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to mark inbox record processed", err)

		return fmt.Errorf("mark inbox message %s processed: %w", key.MessageID, err)
	}

	p.emit(events.KindInboxProcessed, key, attempt, events.OutcomeSuccess, nil)

	return nil
}

var errDuplicate = errors.New("inbox duplicate")

// admit records or claims the message and returns the attempt number.
// errDuplicate means the message was already processed.
func (p *Processor) admit(ctx context.Context, key Key, msg Message) (int, error) {
	now := p.clock.Now()

	record := &Record{
		MessageID:     key.MessageID,
		ConsumerGroup: key.ConsumerGroup,
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		Status:        StatusReceived,
		AttemptCount:  1,
		ReceivedAt:    now,
		ClaimedAt:     now,
	}

	existing, inserted, err := p.repo.InsertIfAbsent(ctx, record)
	if err != nil {
		return 0, fmt.Errorf("insert inbox record: %w", err)
	}

	if inserted {
		return 1, nil
	}

	if existing != nil && existing.Status == StatusProcessed {
		p.duplicate(ctx, key, existing.AttemptCount)

		return 0, errDuplicate
	}

	claimed, err := p.repo.Claim(ctx, key, now, now.Add(-p.lease))
	if err != nil {
		return 0, fmt.Errorf("claim inbox record: %w", err)
	}

	if claimed {
		attempt := 1
		if existing != nil {
			attempt = existing.AttemptCount + 1
		}

		p.logger.Log(ctx, libLog.LevelInfo, "reprocessing inbox message",
			libLog.String("message_id", key.MessageID),
			libLog.String("consumer_group", key.ConsumerGroup),
			libLog.Int("attempt", attempt),
		)

		return attempt, nil
	}

	current, err := p.repo.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("load inbox record: %w", err)
	}

	if current.Status == StatusProcessed {
		p.duplicate(ctx, key, current.AttemptCount)

		return 0, errDuplicate
	}

	p.emit(events.KindInboxDuplicate, key, current.AttemptCount, events.OutcomeFailure, ErrMessageInFlight)

	return 0, fmt.Errorf("%w: %s", ErrMessageInFlight, key)
}

func (p *Processor) handle(ctx context.Context, msg Message) (err error) {
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, p.logger, recovered, "inbox", "handler")

			err = fmt.Errorf("%w: handler panicked: %v", runtime.ErrPanic, recovered)
		}
	}()

	return p.handler.Handle(ctx, msg)
}

func (p *Processor) duplicate(ctx context.Context, key Key, attempts int) {
	p.logger.Log(ctx, libLog.LevelDebug, "inbox message already processed",
		libLog.String("message_id", key.MessageID),
		libLog.String("consumer_group", key.ConsumerGroup),
	)

	p.emit(events.KindInboxDuplicate, key, attempts, events.OutcomeSuccess, nil)
}

func (p *Processor) emit(kind events.Kind, key Key, attempt int, outcome string, err error) {
	p.sink.Emit(events.Event{
		Kind:    kind,
		Name:    key.ConsumerGroup,
		Time:    p.clock.Now(),
		Attempt: attempt,
		Outcome: outcome,
		Err:     err,
	})
}
