package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/outbox"
)

// MemoryRepository keeps inbox records in process memory. It is meant
// for tests and single-process consumers.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[Key]*Record
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[Key]*Record)}
}

// InsertIfAbsent stores record when its key is new.
func (repo *MemoryRepository) InsertIfAbsent(_ context.Context, record *Record) (*Record, bool, error) {
	if record == nil {
		return nil, false, ErrRecordRequired
	}

	key := record.Key()
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()

	if existing, ok := repo.records[key]; ok {
		return existing.Clone(), false, nil
	}

	stored := record.Clone()
	if stored.Status == "" {
		stored.Status = StatusReceived
	}

	repo.records[key] = stored

	return stored.Clone(), true, nil
}

// Claim starts another attempt on a FAILED or stale RECEIVED record.
func (repo *MemoryRepository) Claim(_ context.Context, key Key, now, staleBefore time.Time) (bool, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, ok := repo.records[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	claimable := record.Status == StatusFailed ||
		(record.Status == StatusReceived && record.ClaimedAt.Before(staleBefore))
	if !claimable {
		return false, nil
	}

	record.Status = StatusReceived
	record.ClaimedAt = now
	record.AttemptCount++

	return true, nil
}

// MarkProcessed moves a RECEIVED record to PROCESSED.
func (repo *MemoryRepository) MarkProcessed(_ context.Context, key Key, processedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.receivedLocked(key)
	if err != nil {
		return err
	}

	at := processedAt
	record.Status = StatusProcessed
	record.ProcessedAt = &at
	record.LastError = ""

	return nil
}

// MarkFailed moves a RECEIVED record to FAILED.
func (repo *MemoryRepository) MarkFailed(_ context.Context, key Key, errMsg string) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, err := repo.receivedLocked(key)
	if err != nil {
		return err
	}

	record.Status = StatusFailed
	record.LastError = outbox.SanitizeMessage(errMsg)

	return nil
}

// Get returns a copy of the stored record.
func (repo *MemoryRepository) Get(_ context.Context, key Key) (*Record, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	record, ok := repo.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	return record.Clone(), nil
}

// Len returns the number of stored records.
func (repo *MemoryRepository) Len() int {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return len(repo.records)
}

func (repo *MemoryRepository) receivedLocked(key Key) (*Record, error) {
	record, ok := repo.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	if record.Status != StatusReceived {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransitionInvalid, key, record.Status)
	}

	return record, nil
}
