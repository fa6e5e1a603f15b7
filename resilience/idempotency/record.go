package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the state of an idempotency record.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// ParseStatus validates and converts a stored status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(raw); status {
	case StatusInProgress, StatusCompleted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}
}

func (status Status) String() string {
	return string(status)
}

// Record is the stored state of one key.
type Record struct {
	Key         string
	Fingerprint string
	Status      Status
	// Token identifies the reservation that owns an IN_PROGRESS record.
	Token     string
	Result    []byte
	CreatedAt time.Time
	// LockedUntil is when an IN_PROGRESS reservation may be taken over.
	LockedUntil time.Time
	ExpiresAt   time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r
	out.Result = append([]byte(nil), r.Result...)

	return &out
}

// Expired reports whether the record no longer counts at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Reclaimable reports whether a new reservation may replace r at now.
func (r *Record) Reclaimable(now time.Time) bool {
	if r.Expired(now) {
		return true
	}

	return r.Status == StatusInProgress && !now.Before(r.LockedUntil)
}

// Key builds the store key for clientKey within operation.
func Key(operation, clientKey string) string {
	return strings.TrimSpace(operation) + ":" + strings.TrimSpace(clientKey)
}

// Fingerprint returns the hex sha256 of the JSON encoding of req. Map
// keys are sorted by encoding/json, so equal requests hash equally.
func Fingerprint(req any) (string, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode idempotent request: %w", err)
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:]), nil
}
