package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
	"github.com/LerianStudio/lib-resilience/resilience/runtime"
)

var (
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrTopologyInvalid        = errors.New("rabbitmq topology needs an exchange and a queue")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrRoutingKeyRequired     = errors.New("message has neither topic nor event type to route by")
)

const (
	// DefaultConfirmTimeout bounds the wait for a broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer must cover the unconfirmed messages in flight.
	confirmChannelBuffer = 256

	// Header names carrying the outbox envelope.
	HeaderAggregateID   = "x-aggregate-id"
	HeaderAggregateType = "x-aggregate-type"
	HeaderAttempt       = "x-outbox-attempt"
)

// ConfirmableChannel is the subset of *amqp.Channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger libLog.Logger) PublisherOption {
	return func(pub *Publisher) { pub.logger = libLog.OrNop(logger) }
}

// WithTracer sets the tracer used for one span per publish.
func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(pub *Publisher) {
		if !nilcheck.Is(tracer) {
			pub.tracer = tracer
		}
	}
}

// WithConfirmTimeout sets the wait for broker confirmation. Non-positive
// values keep DefaultConfirmTimeout.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// WithMandatory asks the broker to return unroutable messages instead of
// dropping them silently.
func WithMandatory(mandatory bool) PublisherOption {
	return func(pub *Publisher) { pub.mandatory = mandatory }
}

// WithContentType sets the content type of published payloads.
func WithContentType(contentType string) PublisherOption {
	return func(pub *Publisher) { pub.contentType = contentType }
}

// Publisher publishes outbox messages to one exchange with publisher
// confirms. Publishes are serialised per instance to keep confirmations in
// order without delivery-tag bookkeeping.
type Publisher struct {
	exchange       string
	mandatory      bool
	contentType    string
	confirmTimeout time.Duration
	logger         libLog.Logger
	tracer         trace.Tracer

	publishMu sync.Mutex

	mu        sync.RWMutex
	ch        ConfirmableChannel
	confirms  chan amqp.Confirmation
	closedCh  chan struct{}
	closeOnce sync.Once
	closed    bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewPublisher puts ch into confirm mode and returns a publisher to
// exchange. The publisher owns ch from then on.
func NewPublisher(ch ConfirmableChannel, exchange string, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Is(ch) {
		return nil, ErrChannelRequired
	}

	pub := &Publisher{
		exchange:       exchange,
		contentType:    "application/json",
		confirmTimeout: DefaultConfirmTimeout,
		logger:         libLog.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("resilience.noop"),
		closedCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	pub.ch = ch
	pub.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	runtime.SafeGo(context.Background(), pub.logger, "rabbitmq", "publisher-close-monitor", runtime.KeepRunning,
		func(ctx context.Context) {
			select {
			case amqpErr, ok := <-closeNotify:
				if ok && amqpErr != nil {
					pub.logger.Log(ctx, libLog.LevelWarn, "rabbitmq publisher channel closed by broker",
						libLog.String("reason", amqpErr.Reason), libLog.Int("code", amqpErr.Code))
				}

				pub.markClosed()
			case <-pub.closedCh:
			}
		})

	return pub, nil
}

// Publish sends msg and waits for the broker to confirm it. The routing
// key is the message topic, or its event type when no topic is set.
func (pub *Publisher) Publish(ctx context.Context, msg outbox.Message) error {
	if pub == nil {
		return ErrPublisherClosed
	}

	routingKey := msg.Topic
	if routingKey == "" {
		routingKey = msg.EventType
	}

	if routingKey == "" {
		return ErrRoutingKeyRequired
	}

	ctx, span := pub.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", pub.exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		attribute.String("messaging.message.id", msg.ID.String()),
	)

	if err := pub.publish(ctx, routingKey, pub.publishing(ctx, msg)); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to publish message", err)

		return err
	}

	return nil
}

func (pub *Publisher) publishing(ctx context.Context, msg outbox.Message) amqp.Publishing {
	headers := libOpentelemetry.HeadersToTable(libOpentelemetry.InjectMessageHeaders(ctx, msg.Headers))

	if msg.AggregateID != "" {
		headers[HeaderAggregateID] = msg.AggregateID
	}

	if msg.AggregateType != "" {
		headers[HeaderAggregateType] = msg.AggregateType
	}

	if msg.Attempt > 0 {
		headers[HeaderAttempt] = int32(msg.Attempt) //nolint:gosec
	}

	return amqp.Publishing{
		MessageId:    msg.ID.String(),
		Type:         msg.EventType,
		ContentType:  pub.contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         msg.Payload,
	}
}

func (pub *Publisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	closed, ch, confirms, closedCh := pub.closed, pub.ch, pub.confirms, pub.closedCh
	pub.mu.RUnlock()

	if closed {
		return ErrPublisherClosed
	}

	if err := ch.PublishWithContext(ctx, pub.exchange, routingKey, pub.mandatory, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, confirms, closedCh, pub.confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// A late confirmation would be read as the next message's; the
		// channel is unusable from here on.
		pub.markClosed()
		_ = ch.Close()
	}

	return err
}

// isConfirmStreamCorrupted reports whether a confirmation may still
// arrive for a publish whose wait was abandoned.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, closedCh <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-closedCh:
		return ErrPublisherClosed
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Closed reports whether the publisher can no longer publish.
func (pub *Publisher) Closed() bool {
	if pub == nil {
		return true
	}

	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.closed
}

// Close waits for an in-flight publish and closes the channel.
func (pub *Publisher) Close() error {
	if pub == nil {
		return nil
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	wasClosed := pub.closed
	pub.mu.RUnlock()

	pub.markClosed()

	if wasClosed {
		return nil
	}

	if err := pub.ch.Close(); err != nil {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}

func (pub *Publisher) markClosed() {
	pub.mu.Lock()
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })
}
