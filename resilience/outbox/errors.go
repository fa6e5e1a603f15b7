package outbox

import "errors"

var (
	ErrRecordRequired           = errors.New("outbox record is required")
	ErrRecordNotFound           = errors.New("outbox record not found")
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrPublisherRequired        = errors.New("outbox publisher is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrPayloadRequired          = errors.New("outbox record payload is required")
	ErrPayloadTooLarge          = errors.New("outbox record payload exceeds maximum allowed size")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
	ErrStatusInvalid            = errors.New("invalid outbox status")
	ErrTransitionInvalid        = errors.New("invalid outbox status transition")
	ErrTxRequired               = errors.New("transaction is required")
	ErrInvalidConfig            = errors.New("invalid outbox dispatcher configuration")
)
