package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Expired records are
// replaced on the next Reserve of their key.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Reserve stores record unless a live record holds its key.
func (s *MemoryStore) Reserve(_ context.Context, record *Record) (*Record, bool, error) {
	if record == nil {
		return nil, false, ErrRecordRequired
	}

	if strings.TrimSpace(record.Key) == "" {
		return nil, false, ErrKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.Key]; ok && !existing.Reclaimable(record.CreatedAt) {
		return existing.Clone(), false, nil
	}

	s.records[record.Key] = record.Clone()

	return record.Clone(), true, nil
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}

	return record.Clone(), nil
}

// Complete stores result for the reservation identified by token.
func (s *MemoryStore) Complete(_ context.Context, key, token string, result []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || record.Token != token || record.Status != StatusInProgress {
		return fmt.Errorf("%w: %s", ErrReservationLost, key)
	}

	record.Status = StatusCompleted
	record.Result = append([]byte(nil), result...)
	record.ExpiresAt = expiresAt

	return nil
}

// Release drops the reservation identified by token.
func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[key]; ok && record.Token == token && record.Status == StatusInProgress {
		delete(s.records, key)
	}

	return nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}
