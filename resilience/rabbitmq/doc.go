// Package rabbitmq carries outbox messages to RabbitMQ and feeds RabbitMQ
// deliveries into an inbox.
//
// Publisher implements outbox.Publisher with publisher confirms, so a record
// is only marked DISPATCHED once the broker has taken responsibility for it.
// Consumer acknowledges a delivery only after the inbox accepted it.
package rabbitmq
