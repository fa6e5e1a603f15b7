package inbox

import (
	"context"
	"time"
)

// Repository stores inbox records. Implementations must make
// InsertIfAbsent and Claim atomic per key.
type Repository interface {
	// InsertIfAbsent stores record when its key is unknown and reports
	// inserted=true. Otherwise it returns the stored record unchanged.
	InsertIfAbsent(ctx context.Context, record *Record) (existing *Record, inserted bool, err error)
	// Claim starts another attempt on an existing record. It succeeds
	// when the record is FAILED, or RECEIVED with ClaimedAt before
	// staleBefore. A successful claim sets RECEIVED, ClaimedAt=now and
	// increments AttemptCount.
	Claim(ctx context.Context, key Key, now, staleBefore time.Time) (bool, error)
	// MarkProcessed moves a RECEIVED record to PROCESSED.
	MarkProcessed(ctx context.Context, key Key, processedAt time.Time) error
	// MarkFailed moves a RECEIVED record to FAILED and stores errMsg.
	MarkFailed(ctx context.Context, key Key, errMsg string) error
	// Get returns the stored record or ErrRecordNotFound.
	Get(ctx context.Context, key Key) (*Record, error)
}
