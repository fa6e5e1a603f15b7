package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/LerianStudio/lib-resilience/resilience/inbox"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
)

const defaultBucket = "inbox"

var ErrDatabaseRequired = errors.New("bolt database is required")

// keySeparator cannot appear in a consumer group name stored through
// this package.
const keySeparator = "\x00"

// Option configures a Repository.
type Option func(*Repository)

// WithBucket overrides the bucket name.
func WithBucket(name string) Option {
	return func(repo *Repository) {
		if name = strings.TrimSpace(name); name != "" {
			repo.bucket = []byte(name)
		}
	}
}

// WithOpenTimeout bounds how long Open waits for the file lock.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(repo *Repository) { repo.openTimeout = timeout }
}

// Repository persists inbox records in a bbolt bucket.
type Repository struct {
	db          *bbolt.DB
	bucket      []byte
	openTimeout time.Duration
	owned       bool
}

var _ inbox.Repository = (*Repository)(nil)

// Open opens or creates the database file at path. Close releases it.
func Open(path string, opts ...Option) (*Repository, error) {
	repo := newRepository(opts)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: repo.openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open inbox database %s: %w", path, err)
	}

	repo.db = db
	repo.owned = true

	if err := repo.init(); err != nil {
		_ = db.Close()

		return nil, err
	}

	return repo, nil
}

// NewRepository uses an already open database. Close leaves it open.
func NewRepository(db *bbolt.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	repo := newRepository(opts)
	repo.db = db

	if err := repo.init(); err != nil {
		return nil, err
	}

	return repo, nil
}

func newRepository(opts []Option) *Repository {
	repo := &Repository{bucket: []byte(defaultBucket), openTimeout: time.Second}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo
}

func (repo *Repository) init() error {
	return repo.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(repo.bucket); err != nil {
			return fmt.Errorf("create inbox bucket: %w", err)
		}

		return nil
	})
}

// Close closes the database when Open created it.
func (repo *Repository) Close() error {
	if repo == nil || repo.db == nil || !repo.owned {
		return nil
	}

	return repo.db.Close()
}

// InsertIfAbsent stores record when its key is new.
func (repo *Repository) InsertIfAbsent(ctx context.Context, record *inbox.Record) (*inbox.Record, bool, error) {
	if record == nil {
		return nil, false, inbox.ErrRecordRequired
	}

	key := record.Key()
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var (
		existing *inbox.Record
		inserted bool
	)

	err := repo.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(repo.bucket)

		if raw := bucket.Get(encodeKey(key)); raw != nil {
			decoded, err := decode(raw)
			if err != nil {
				return err
			}

			existing = decoded

			return nil
		}

		stored := record.Clone()
		if stored.Status == "" {
			stored.Status = inbox.StatusReceived
		}

		if err := put(bucket, stored); err != nil {
			return err
		}

		existing = stored
		inserted = true

		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert inbox record: %w", err)
	}

	return existing, inserted, nil
}

// Claim starts another attempt on a FAILED or stale RECEIVED record.
func (repo *Repository) Claim(ctx context.Context, key inbox.Key, now, staleBefore time.Time) (bool, error) {
	var claimed bool

	err := repo.update(ctx, key, func(record *inbox.Record) (bool, error) {
		claimable := record.Status == inbox.StatusFailed ||
			(record.Status == inbox.StatusReceived && record.ClaimedAt.Before(staleBefore))
		if !claimable {
			return false, nil
		}

		record.Status = inbox.StatusReceived
		record.ClaimedAt = now.UTC()
		record.AttemptCount++
		claimed = true

		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("claim inbox record: %w", err)
	}

	return claimed, nil
}

// MarkProcessed moves a RECEIVED record to PROCESSED.
func (repo *Repository) MarkProcessed(ctx context.Context, key inbox.Key, processedAt time.Time) error {
	err := repo.update(ctx, key, func(record *inbox.Record) (bool, error) {
		if record.Status != inbox.StatusReceived {
			return false, fmt.Errorf("%w: %s is %s", inbox.ErrTransitionInvalid, key, record.Status)
		}

		at := processedAt.UTC()
		record.Status = inbox.StatusProcessed
		record.ProcessedAt = &at
		record.LastError = ""

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("mark inbox record processed: %w", err)
	}

	return nil
}

// MarkFailed moves a RECEIVED record to FAILED.
func (repo *Repository) MarkFailed(ctx context.Context, key inbox.Key, errMsg string) error {
	err := repo.update(ctx, key, func(record *inbox.Record) (bool, error) {
		if record.Status != inbox.StatusReceived {
			return false, fmt.Errorf("%w: %s is %s", inbox.ErrTransitionInvalid, key, record.Status)
		}

		record.Status = inbox.StatusFailed
		record.LastError = outbox.SanitizeMessage(errMsg)

		return true, nil
	})
	if err != nil {
		return fmt.Errorf("mark inbox record failed: %w", err)
	}

	return nil
}

// Get returns the stored record.
func (repo *Repository) Get(ctx context.Context, key inbox.Key) (*inbox.Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *inbox.Record

	err := repo.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(repo.bucket).Get(encodeKey(key))
		if raw == nil {
			return fmt.Errorf("%w: %s", inbox.ErrRecordNotFound, key)
		}

		decoded, err := decode(raw)
		if err != nil {
			return err
		}

		record = decoded

		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// update loads the record for key, applies fn and stores the result when
// fn reports a change.
func (repo *Repository) update(ctx context.Context, key inbox.Key, fn func(*inbox.Record) (bool, error)) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return repo.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(repo.bucket)

		raw := bucket.Get(encodeKey(key))
		if raw == nil {
			return fmt.Errorf("%w: %s", inbox.ErrRecordNotFound, key)
		}

		record, err := decode(raw)
		if err != nil {
			return err
		}

		changed, err := fn(record)
		if err != nil || !changed {
			return err
		}

		return put(bucket, record)
	})
}

func validateKey(key inbox.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if strings.Contains(key.ConsumerGroup, keySeparator) {
		return fmt.Errorf("%w: consumer group contains a NUL byte", inbox.ErrConsumerGroupRequired)
	}

	return nil
}

func encodeKey(key inbox.Key) []byte {
	return []byte(key.ConsumerGroup + keySeparator + key.MessageID)
}

// storedRecord is the JSON layout of a bucket value.
type storedRecord struct {
	MessageID     string     `json:"message_id"`
	ConsumerGroup string     `json:"consumer_group"`
	Topic         string     `json:"topic,omitempty"`
	Payload       []byte     `json:"payload,omitempty"`
	Status        string     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	LastError     string     `json:"last_error,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	ClaimedAt     time.Time  `json:"claimed_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

func put(bucket *bbolt.Bucket, record *inbox.Record) error {
	raw, err := json.Marshal(storedRecord{
		MessageID:     record.MessageID,
		ConsumerGroup: record.ConsumerGroup,
		Topic:         record.Topic,
		Payload:       record.Payload,
		Status:        string(record.Status),
		AttemptCount:  record.AttemptCount,
		LastError:     record.LastError,
		ReceivedAt:    record.ReceivedAt.UTC(),
		ClaimedAt:     record.ClaimedAt.UTC(),
		ProcessedAt:   record.ProcessedAt,
	})
	if err != nil {
		return fmt.Errorf("encode inbox record: %w", err)
	}

	return bucket.Put(encodeKey(record.Key()), raw)
}

func decode(raw []byte) (*inbox.Record, error) {
	var stored storedRecord

	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode inbox record: %w", err)
	}

	status, err := inbox.ParseStatus(stored.Status)
	if err != nil {
		return nil, err
	}

	return &inbox.Record{
		MessageID:     stored.MessageID,
		ConsumerGroup: stored.ConsumerGroup,
		Topic:         stored.Topic,
		Payload:       stored.Payload,
		Status:        status,
		AttemptCount:  stored.AttemptCount,
		LastError:     stored.LastError,
		ReceivedAt:    stored.ReceivedAt,
		ClaimedAt:     stored.ClaimedAt,
		ProcessedAt:   stored.ProcessedAt,
	}, nil
}
