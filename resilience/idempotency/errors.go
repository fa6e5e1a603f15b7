package idempotency

import (
	"errors"
	"fmt"
)

var (
	ErrStoreRequired      = errors.New("idempotency store is required")
	ErrMiddlewareRequired = errors.New("idempotency middleware is required")
	ErrKeyRequired        = errors.New("idempotency key is required")
	ErrOperationRequired  = errors.New("idempotency operation is required")
	ErrRecordRequired     = errors.New("idempotency record is required")
	ErrRecordNotFound     = errors.New("idempotency record not found")
	ErrStatusInvalid      = errors.New("invalid idempotency status")
	ErrInvalidConfig      = errors.New("invalid idempotency configuration")
	// ErrKeyConflict matches every *KeyConflictError.
	ErrKeyConflict = errors.New("idempotency key reused with a different request")
	// ErrWaitTimeout is returned when another caller holds the key for
	// longer than WaitTimeout.
	ErrWaitTimeout = errors.New("timed out waiting for concurrent idempotent execution")
	// ErrReservationLost is returned by Store.Complete when the token no
	// longer owns the key.
	ErrReservationLost = errors.New("idempotency reservation no longer held")
)

// KeyConflictError reports a key that was first used with another request.
type KeyConflictError struct {
	Key                string
	StoredFingerprint  string
	RequestFingerprint string
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different request", e.Key)
}

// Is matches ErrKeyConflict.
func (e *KeyConflictError) Is(target error) bool {
	return target == ErrKeyConflict
}
