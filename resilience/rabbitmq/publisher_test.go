//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-resilience/resilience/outbox"
)

type confirmMode int

const (
	confirmAck confirmMode = iota
	confirmNack
	confirmNone
)

type publishedMessage struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

type fakeConfirmChannel struct {
	mu          sync.Mutex
	mode        confirmMode
	confirmErr  error
	publishErr  error
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	published   []publishedMessage
	closed      int
	tag         uint64
}

func (f *fakeConfirmChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeConfirmChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeConfirmChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closeNotify = c
	return c
}

func (f *fakeConfirmChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, publishedMessage{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg})
	f.tag++

	switch f.mode {
	case confirmAck:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case confirmNack:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: false}
	case confirmNone:
	}

	return nil
}

func (f *fakeConfirmChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed++

	return nil
}

func (f *fakeConfirmChannel) snapshot() ([]publishedMessage, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]publishedMessage(nil), f.published...), f.closed
}

func newTestPublisher(t *testing.T, ch *fakeConfirmChannel, opts ...PublisherOption) *Publisher {
	t.Helper()

	pub, err := NewPublisher(ch, "events", opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = pub.Close() })

	return pub
}

func outboxMessage() outbox.Message {
	return outbox.Message{
		ID:            uuid.MustParse("0b6f4f1e-7c1a-4d59-9f39-5c1d1b1e2a01"),
		AggregateID:   "order-1",
		AggregateType: "order",
		EventType:     "order.created",
		Topic:         "orders.created",
		Payload:       []byte(`{"id":"order-1"}`),
		Headers:       map[string]string{"tenant": "t-1"},
		Attempt:       2,
	}
}

func TestNewPublisherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, "events")
	require.ErrorIs(t, err, ErrChannelRequired)

	_, err = NewPublisher((*fakeConfirmChannel)(nil), "events")
	require.ErrorIs(t, err, ErrChannelRequired)

	boom := errors.New("not supported")
	_, err = NewPublisher(&fakeConfirmChannel{confirmErr: boom}, "events")
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
	require.ErrorIs(t, err, boom)
}

func TestPublishConfirmed(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	pub := newTestPublisher(t, ch, WithMandatory(true), WithContentType("application/vnd.order+json"))

	require.NoError(t, pub.Publish(context.Background(), outboxMessage()))

	published, _ := ch.snapshot()
	require.Len(t, published, 1)

	got := published[0]
	assert.Equal(t, "events", got.exchange)
	assert.Equal(t, "orders.created", got.routingKey)
	assert.True(t, got.mandatory)
	assert.Equal(t, "0b6f4f1e-7c1a-4d59-9f39-5c1d1b1e2a01", got.msg.MessageId)
	assert.Equal(t, "order.created", got.msg.Type)
	assert.Equal(t, "application/vnd.order+json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, []byte(`{"id":"order-1"}`), got.msg.Body)
	assert.Equal(t, "t-1", got.msg.Headers["tenant"])
	assert.Equal(t, "order-1", got.msg.Headers[HeaderAggregateID])
	assert.Equal(t, "order", got.msg.Headers[HeaderAggregateType])
	assert.Equal(t, int32(2), got.msg.Headers[HeaderAttempt])
}

func TestPublishRoutingKey(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	pub := newTestPublisher(t, ch)

	msg := outboxMessage()
	msg.Topic = ""
	require.NoError(t, pub.Publish(context.Background(), msg))

	published, _ := ch.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, "order.created", published[0].routingKey)

	msg.EventType = ""
	require.ErrorIs(t, pub.Publish(context.Background(), msg), ErrRoutingKeyRequired)
}

func TestPublishNacked(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{mode: confirmNack}
	pub := newTestPublisher(t, ch)

	err := pub.Publish(context.Background(), outboxMessage())
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.False(t, pub.Closed())
}

func TestPublishError(t *testing.T) {
	t.Parallel()

	boom := errors.New("channel blocked")
	pub := newTestPublisher(t, &fakeConfirmChannel{publishErr: boom})

	require.ErrorIs(t, pub.Publish(context.Background(), outboxMessage()), boom)
	assert.False(t, pub.Closed())
}

func TestPublishConfirmTimeoutClosesPublisher(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{mode: confirmNone}
	pub := newTestPublisher(t, ch, WithConfirmTimeout(20*time.Millisecond))

	require.ErrorIs(t, pub.Publish(context.Background(), outboxMessage()), ErrConfirmTimeout)
	assert.True(t, pub.Closed())

	_, closed := ch.snapshot()
	assert.Equal(t, 1, closed)

	require.ErrorIs(t, pub.Publish(context.Background(), outboxMessage()), ErrPublisherClosed)
	require.NoError(t, pub.Close())

	_, closed = ch.snapshot()
	assert.Equal(t, 1, closed)
}

func TestPublishContextCancelled(t *testing.T) {
	t.Parallel()

	pub := newTestPublisher(t, &fakeConfirmChannel{mode: confirmNone})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, pub.Publish(ctx, outboxMessage()), context.DeadlineExceeded)
	assert.True(t, pub.Closed())
}

func TestPublisherBrokerClose(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	pub := newTestPublisher(t, ch)

	ch.closeNotify <- &amqp.Error{Code: amqp.ChannelError, Reason: "PRECONDITION_FAILED"}

	assert.Eventually(t, pub.Closed, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, pub.Publish(context.Background(), outboxMessage()), ErrPublisherClosed)
}

func TestPublisherClose(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}

	pub, err := NewPublisher(ch, "events")
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	_, closed := ch.snapshot()
	assert.Equal(t, 1, closed)

	var nilPublisher *Publisher

	assert.True(t, nilPublisher.Closed())
	require.ErrorIs(t, nilPublisher.Publish(context.Background(), outboxMessage()), ErrPublisherClosed)
}

func TestPublisherDrivesDispatcher(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	pub := newTestPublisher(t, ch)
	repo := outbox.NewMemoryRepository()

	for _, id := range []string{"order-1", "order-2"} {
		record, err := outbox.NewRecord(context.Background(), "order.created", id, []byte(`{}`))
		require.NoError(t, err)

		_, err = repo.Create(context.Background(), record)
		require.NoError(t, err)
	}

	dispatcher, err := outbox.NewDispatcher(repo, pub)
	require.NoError(t, err)

	result := dispatcher.DispatchOnce(context.Background())
	assert.Equal(t, 2, result.Published)

	published, _ := ch.snapshot()
	assert.Len(t, published, 2)
}
