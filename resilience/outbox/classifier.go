package outbox

import "errors"

// RetryClassifier reports errors that no later attempt can fix.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

// IsNonRetryable calls fn; a nil fn retries everything.
func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// NonRetryable classifies the given errors, and anything wrapping them, as
// non-retryable.
func NonRetryable(targets ...error) RetryClassifier {
	return RetryClassifierFunc(func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}

		return false
	})
}

// IsHandlerNotRegistered matches the HandlerPublisher routing failure.
func IsHandlerNotRegistered(err error) bool {
	return errors.Is(err, ErrHandlerNotRegistered) || errors.Is(err, ErrEventTypeRequired)
}
