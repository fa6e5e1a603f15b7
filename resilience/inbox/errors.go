package inbox

import "errors"

var (
	ErrRepositoryRequired    = errors.New("inbox repository is required")
	ErrHandlerRequired       = errors.New("inbox handler is required")
	ErrConsumerGroupRequired = errors.New("inbox consumer group is required")
	ErrMessageIDRequired     = errors.New("inbox message id is required")
	ErrRecordRequired        = errors.New("inbox record is required")
	ErrRecordNotFound        = errors.New("inbox record not found")
	ErrStatusInvalid         = errors.New("invalid inbox status")
	ErrTransitionInvalid     = errors.New("invalid inbox status transition")
	ErrInvalidConfig         = errors.New("invalid inbox processor configuration")
	// ErrMessageInFlight is returned when another consumer holds a live
	// claim on the message. The broker should redeliver it later.
	ErrMessageInFlight = errors.New("inbox message is being processed by another consumer")
)
