package outbox

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps records in process memory. It suits tests and
// single-process deployments that accept losing undelivered records on
// restart. CreateWithTx ignores the transaction.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]*Record)}
}

// Create stores a copy of record.
func (repo *MemoryRepository) Create(_ context.Context, record *Record) (*Record, error) {
	if record == nil {
		return nil, ErrRecordRequired
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	if _, exists := repo.records[record.ID]; exists {
		return nil, fmt.Errorf("outbox record %s already exists", record.ID)
	}

	stored := clone(record)
	if stored.Status == "" {
		stored.Status = StatusPending
	}

	repo.records[stored.ID] = stored

	return clone(stored), nil
}

// CreateWithTx stores a copy of record.
func (repo *MemoryRepository) CreateWithTx(ctx context.Context, _ Tx, record *Record) (*Record, error) {
	return repo.Create(ctx, record)
}

// GetByID returns a copy of the stored record.
func (repo *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, ok := repo.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	return clone(record), nil
}

// ListPending returns due PENDING records, oldest first.
func (repo *MemoryRepository) ListPending(_ context.Context, limit int, now time.Time) ([]*Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	due := make([]*Record, 0)

	for _, record := range repo.records {
		if record.Status != StatusPending {
			continue
		}

		if record.NextAttemptAt != nil && record.NextAttemptAt.After(now) {
			continue
		}

		due = append(due, record)
	}

	slices.SortFunc(due, func(a, b *Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Record, len(due))
	for i, record := range due {
		out[i] = clone(record)
	}

	return out, nil
}

// MarkDispatched moves a PENDING record to DISPATCHED.
func (repo *MemoryRepository) MarkDispatched(_ context.Context, id uuid.UUID, dispatchedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.pendingLocked(id, StatusDispatched)
	if err != nil {
		return err
	}

	at := dispatchedAt.UTC()
	record.Status = StatusDispatched
	record.DispatchedAt = &at
	record.NextAttemptAt = nil

	return nil
}

// MarkAttemptFailed counts a failed attempt.
func (repo *MemoryRepository) MarkAttemptFailed(
	_ context.Context,
	id uuid.UUID,
	errMsg string,
	maxAttempts int,
	nextAttemptAt *time.Time,
) (Status, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.pendingLocked(id, StatusPending)
	if err != nil {
		return "", err
	}

	record.AttemptCount++
	record.LastError = SanitizeMessage(errMsg)
	record.NextAttemptAt = nil

	if record.AttemptCount >= maxAttempts {
		record.Status = StatusFailed

		return StatusFailed, nil
	}

	if nextAttemptAt != nil {
		at := nextAttemptAt.UTC()
		record.NextAttemptAt = &at
	}

	return StatusPending, nil
}

// MarkFailed makes a PENDING record FAILED.
func (repo *MemoryRepository) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.pendingLocked(id, StatusFailed)
	if err != nil {
		return err
	}

	record.AttemptCount++
	record.LastError = SanitizeMessage(errMsg)
	record.Status = StatusFailed
	record.NextAttemptAt = nil

	return nil
}

// Records returns copies of every stored record, oldest first.
func (repo *MemoryRepository) Records() []*Record {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	out := make([]*Record, 0, len(repo.records))
	for _, record := range repo.records {
		out = append(out, clone(record))
	}

	slices.SortFunc(out, func(a, b *Record) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out
}

func (repo *MemoryRepository) pendingLocked(id uuid.UUID, next Status) (*Record, error) {
	record, ok := repo.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	if !record.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, record.Status, next)
	}

	return record, nil
}

func clone(record *Record) *Record {
	c := *record
	c.Payload = slices.Clone(record.Payload)
	c.Headers = maps.Clone(record.Headers)

	if record.DispatchedAt != nil {
		at := *record.DispatchedAt
		c.DispatchedAt = &at
	}

	if record.NextAttemptAt != nil {
		at := *record.NextAttemptAt
		c.NextAttemptAt = &at
	}

	return &c
}
