package outbox

import "context"

// Publisher delivers one message to the broker. Publish returning nil
// means the broker has accepted the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

// Publish calls fn.
func (fn PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return fn(ctx, msg)
}
