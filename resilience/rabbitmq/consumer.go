package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-resilience/resilience/inbox"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
)

const defaultPrefetch = 10

var (
	ErrReceiverRequired = errors.New("inbox receiver is required")
	ErrQueueRequired    = errors.New("rabbitmq queue is required")
	ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")
	ErrConsumerClosed   = errors.New("rabbitmq consumer is closed")
	ErrPrefetchInvalid  = errors.New("rabbitmq prefetch must be positive")
	errNoDeliveryCount  = errors.New("no x-delivery-count header")
)

// ConsumeChannel is the subset of *amqp.Channel the consumer needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Receiver accepts a message and reports whether it may be acknowledged.
// *inbox.Processor satisfies it.
type Receiver interface {
	Receive(ctx context.Context, msg inbox.Message) error
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger libLog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = libLog.OrNop(logger) }
}

// WithPrefetch sets how many unacknowledged deliveries the broker sends.
func WithPrefetch(prefetch int) ConsumerOption {
	return func(c *Consumer) { c.prefetch = prefetch }
}

// WithConsumerTag names the consumer on the broker.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) { c.tag = strings.TrimSpace(tag) }
}

// WithMaxRedeliveries dead-letters a message once the broker redelivered
// it this many times without the inbox accepting it. Zero requeues
// forever. Only redeliveries flagged by the broker count, so the limit
// is approximate across consumer restarts.
func WithMaxRedeliveries(limit int) ConsumerOption {
	return func(c *Consumer) { c.maxRedeliveries = limit }
}

// WithRequeueDelay pauses before a failed delivery is requeued, so a
// failing handler does not spin on the same message.
func WithRequeueDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) { c.requeueDelay = delay }
}

// Consumer reads deliveries from one queue and hands them to a Receiver.
// Deliveries the receiver accepts are acked. Failures are nacked with
// requeue, and messages that can never be accepted are rejected so the
// queue dead-letters them.
type Consumer struct {
	ch              ConsumeChannel
	queue           string
	receiver        Receiver
	tag             string
	prefetch        int
	maxRedeliveries int
	requeueDelay    time.Duration
	logger          libLog.Logger
}

// NewConsumer returns a consumer of queue over ch.
func NewConsumer(ch ConsumeChannel, queue string, receiver Receiver, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Is(ch) {
		return nil, ErrChannelRequired
	}

	if nilcheck.Is(receiver) {
		return nil, ErrReceiverRequired
	}

	if strings.TrimSpace(queue) == "" {
		return nil, ErrQueueRequired
	}

	c := &Consumer{
		ch:       ch,
		queue:    queue,
		receiver: receiver,
		prefetch: defaultPrefetch,
		logger:   libLog.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.prefetch <= 0 {
		return nil, ErrPrefetchInvalid
	}

	return c, nil
}

// Run consumes until ctx is done, returning nil, or until the broker
// closes the delivery channel, returning ErrDeliveriesClosed.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil {
		return ErrConsumerClosed
	}

	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set rabbitmq prefetch: %w", err)
	}

	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.logger.Log(ctx, libLog.LevelInfo, "rabbitmq consumer started",
		libLog.String("queue", c.queue), libLog.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			c.logger.Log(ctx, libLog.LevelInfo, "rabbitmq consumer stopped", libLog.String("queue", c.queue))

			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}

			c.handle(ctx, delivery)
		}
	}
}

// Close cancels the consumer by closing its channel. Unacked deliveries
// return to the queue.
func (c *Consumer) Close() error {
	if c == nil {
		return ErrConsumerClosed
	}

	if err := c.ch.Close(); err != nil {
		return fmt.Errorf("close consumer channel: %w", err)
	}

	return nil
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	headers := libOpentelemetry.TableToHeaders(delivery.Headers)
	msgCtx := libOpentelemetry.ExtractMessageHeaders(ctx, headers)

	msgCtx, span := otel.Tracer("rabbitmq").Start(msgCtx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	msg := inbox.Message{
		ID:      delivery.MessageId,
		Topic:   delivery.RoutingKey,
		Payload: delivery.Body,
		Headers: headers,
	}

	err := c.receiver.Receive(msgCtx, msg)

	switch {
	case err == nil:
		c.settle(msgCtx, delivery, delivery.Ack(false))
	case isPoison(err):
		libOpentelemetry.HandleSpanError(span, "Rejected undeliverable message", err)
		c.logger.Log(msgCtx, libLog.LevelWarn, "rejecting message the inbox cannot accept",
			libLog.String("routing_key", delivery.RoutingKey), libLog.Err(err))
		c.settle(msgCtx, delivery, delivery.Reject(false))
	case c.exhausted(delivery):
		libOpentelemetry.HandleSpanError(span, "Dead-lettered message after redeliveries", err)
		c.logger.Log(msgCtx, libLog.LevelError, "dead-lettering message after redeliveries",
			libLog.String("message_id", delivery.MessageId), libLog.Err(err))
		c.settle(msgCtx, delivery, delivery.Nack(false, false))
	default:
		libOpentelemetry.HandleSpanError(span, "Requeued message", err)

		if !errors.Is(err, inbox.ErrMessageInFlight) {
			c.logger.Log(msgCtx, libLog.LevelWarn, "requeueing message",
				libLog.String("message_id", delivery.MessageId), libLog.Err(err))
		}

		c.pause(ctx)
		c.settle(msgCtx, delivery, delivery.Nack(false, true))
	}
}

// isPoison reports errors no redelivery can fix.
func isPoison(err error) bool {
	return errors.Is(err, inbox.ErrMessageIDRequired)
}

func (c *Consumer) exhausted(delivery amqp.Delivery) bool {
	if c.maxRedeliveries <= 0 || !delivery.Redelivered {
		return false
	}

	count, err := deliveryCount(delivery.Headers)
	if err != nil {
		// Classic queues carry no count; the redelivered flag is all we have.
		return c.maxRedeliveries == 1
	}

	return count >= int64(c.maxRedeliveries)
}

// deliveryCount reads the x-delivery-count header quorum queues set.
func deliveryCount(headers amqp.Table) (int64, error) {
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return 0, errNoDeliveryCount
	}
}

func (c *Consumer) pause(ctx context.Context) {
	if c.requeueDelay <= 0 {
		return
	}

	timer := time.NewTimer(c.requeueDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) settle(ctx context.Context, delivery amqp.Delivery, err error) {
	if err != nil {
		c.logger.Log(ctx, libLog.LevelError, "failed to settle rabbitmq delivery",
			libLog.Int64("delivery_tag", int64(delivery.DeliveryTag)), libLog.Err(err)) //nolint:gosec
	}
}
