package retry

import "errors"

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// RetryAll retries every error.
func RetryAll(err error) bool {
	return err != nil
}

// RetryIf retries only errors matching one of targets.
func RetryIf(targets ...error) Classifier {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}

		return false
	}
}

// RetryUnless retries every error except those matching one of targets.
func RetryUnless(targets ...error) Classifier {
	match := RetryIf(targets...)

	return func(err error) bool {
		return err != nil && !match(err)
	}
}

// RetryAs retries errors for which predicate returns true on any error in
// the chain.
func RetryAs[E error](predicate func(E) bool) Classifier {
	return func(err error) bool {
		var target E
		if !errors.As(err, &target) {
			return false
		}

		return predicate == nil || predicate(target)
	}
}
