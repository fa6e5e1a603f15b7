package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateWithTx. It aliases *sql.Tx
// so the record joins the caller's own database/sql transaction.
type Tx = *sql.Tx

// Repository persists outbox records. Implementations must make each
// Mark call a single conditional update on a PENDING record.
type Repository interface {
	Create(ctx context.Context, record *Record) (*Record, error)
	CreateWithTx(ctx context.Context, tx Tx, record *Record) (*Record, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// ListPending returns at most limit PENDING records whose NextAttemptAt
	// is unset or not after now, oldest CreatedAt first.
	ListPending(ctx context.Context, limit int, now time.Time) ([]*Record, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error
	// MarkAttemptFailed counts one failed attempt and stores errMsg. The
	// record becomes FAILED once AttemptCount reaches maxAttempts and stays
	// PENDING, eligible again at nextAttemptAt, otherwise. It returns the
	// resulting status.
	MarkAttemptFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int, nextAttemptAt *time.Time) (Status, error)
	// MarkFailed makes the record FAILED at once.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}
