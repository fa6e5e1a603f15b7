package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
)

const (
	defaultExchangeType = "topic"
	defaultBindingKey   = "#"
	dlqSuffix           = ".dlq"
	dlxSuffix           = ".dlx"
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology is an exchange the outbox publishes to and a queue an inbox
// consumes from. Messages the consumer rejects without requeue are
// dead-lettered to Queue+".dlq" through Queue+".dlx".
type Topology struct {
	Exchange     string
	ExchangeType string
	Queue        string
	BindingKey   string
	// DeadLetterTTL bounds how long rejected messages stay in the DLQ.
	DeadLetterTTL time.Duration
}

func (t Topology) withDefaults() Topology {
	if t.ExchangeType == "" {
		t.ExchangeType = defaultExchangeType
	}

	if t.BindingKey == "" {
		t.BindingKey = defaultBindingKey
	}

	return t
}

// DeadLetterQueue returns the dead-letter queue name for the topology.
func (t Topology) DeadLetterQueue() string { return t.Queue + dlqSuffix }

// DeadLetterExchange returns the dead-letter exchange name for the topology.
func (t Topology) DeadLetterExchange() string { return t.Queue + dlxSuffix }

// DeclareTopology declares the exchange, the dead-letter pair and the
// consumer queue, then binds them.
func DeclareTopology(ch TopologyChannel, topology Topology) error {
	if nilcheck.Is(ch) {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	t := topology.withDefaults()

	if t.Exchange == "" || t.Queue == "" {
		return fmt.Errorf("declare topology: %w", ErrTopologyInvalid)
	}

	if err := ch.ExchangeDeclare(t.Exchange, t.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	var dlqArgs amqp.Table
	if t.DeadLetterTTL > 0 {
		dlqArgs = amqp.Table{"x-message-ttl": max(t.DeadLetterTTL.Milliseconds(), 1)}
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if err := ch.QueueBind(t.DeadLetterQueue(), "", t.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	queueArgs := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange()}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(t.Queue, t.BindingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	return nil
}
