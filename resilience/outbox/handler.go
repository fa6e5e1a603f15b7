package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventHandler publishes one message of a given event type.
type EventHandler func(ctx context.Context, msg Message) error

// HandlerPublisher routes messages to handlers by event type. It lets one
// dispatcher serve event types that go to different destinations.
type HandlerPublisher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

var _ Publisher = (*HandlerPublisher)(nil)

// NewHandlerPublisher returns an empty HandlerPublisher.
func NewHandlerPublisher() *HandlerPublisher {
	return &HandlerPublisher{handlers: map[string]EventHandler{}}
}

// Register binds handler to eventType. Each event type takes one handler.
func (p *HandlerPublisher) Register(eventType string, handler EventHandler) error {
	if p == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handlers == nil {
		p.handlers = make(map[string]EventHandler)
	}

	if _, exists := p.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	p.handlers[normalizedType] = handler

	return nil
}

// Publish hands msg to the handler registered for its event type. An
// unregistered event type is an error the dispatcher can classify as
// non-retryable with IsHandlerNotRegistered.
func (p *HandlerPublisher) Publish(ctx context.Context, msg Message) error {
	if p == nil {
		return ErrHandlerRegistryRequired
	}

	eventType := strings.TrimSpace(msg.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	p.mu.RLock()
	handler, ok := p.handlers[eventType]
	p.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	return handler(ctx, msg)
}
