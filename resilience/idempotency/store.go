package idempotency

import (
	"context"
	"time"
)

// Store persists idempotency records. Reserve must be atomic per key.
type Store interface {
	// Reserve stores record when its key is absent or the stored record is
	// Reclaimable at record.CreatedAt, and reports reserved=true.
	// Otherwise it returns the stored record unchanged.
	Reserve(ctx context.Context, record *Record) (existing *Record, reserved bool, err error)
	// Get returns the stored record or ErrRecordNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Complete stores result for the reservation identified by token and
	// sets the record to expire at expiresAt. It returns
	// ErrReservationLost when token does not own the key.
	Complete(ctx context.Context, key, token string, result []byte, expiresAt time.Time) error
	// Release drops the reservation identified by token. Releasing a key
	// the token does not own is a no-op.
	Release(ctx context.Context, key, token string) error
}
