//go:build unit

package bolt

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/LerianStudio/lib-resilience/resilience/clock"
	"github.com/LerianStudio/lib-resilience/resilience/inbox"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestRepository(t *testing.T, path string) *Repository {
	t.Helper()

	repo, err := Open(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestNewRepositoryRequiresDatabase(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrDatabaseRequired)
}

func TestNewRepositoryKeepsCallerDatabaseOpen(t *testing.T) {
	t.Parallel()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "shared.db"), 0o600, nil)
	require.NoError(t, err)

	defer db.Close()

	repo, err := NewRepository(db, WithBucket("billing-inbox"))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		assert.NotNil(t, tx.Bucket([]byte("billing-inbox")))

		return nil
	}))
}

func TestRepositoryLifecycle(t *testing.T) {
	t.Parallel()

	repo := openTestRepository(t, filepath.Join(t.TempDir(), "inbox.db"))
	ctx := context.Background()
	key := inbox.Key{MessageID: "m-1", ConsumerGroup: "billing"}

	record := &inbox.Record{
		MessageID: key.MessageID, ConsumerGroup: key.ConsumerGroup, Topic: "orders",
		Payload: []byte(`{"n":1}`), AttemptCount: 1, ReceivedAt: epoch, ClaimedAt: epoch,
	}

	stored, inserted, err := repo.InsertIfAbsent(ctx, record)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, inbox.StatusReceived, stored.Status)

	existing, inserted, err := repo.InsertIfAbsent(ctx, record)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, []byte(`{"n":1}`), existing.Payload)

	claimed, err := repo.Claim(ctx, key, epoch.Add(time.Second), epoch)
	require.NoError(t, err)
	assert.False(t, claimed, "live claim must not be taken over")

	require.NoError(t, repo.MarkFailed(ctx, key, "password=abc123 rejected"))
	require.ErrorIs(t, repo.MarkFailed(ctx, key, "again"), inbox.ErrTransitionInvalid)

	failed, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusFailed, failed.Status)
	assert.NotContains(t, failed.LastError, "abc123")

	claimed, err = repo.Claim(ctx, key, epoch.Add(time.Minute), epoch)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.MarkProcessed(ctx, key, epoch.Add(2*time.Minute)))

	processed, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusProcessed, processed.Status)
	assert.Equal(t, 2, processed.AttemptCount)
	assert.Empty(t, processed.LastError)
	assert.Equal(t, epoch.Add(time.Minute), processed.ClaimedAt)
	require.NotNil(t, processed.ProcessedAt)
	assert.True(t, epoch.Add(2*time.Minute).Equal(*processed.ProcessedAt))
}

func TestRepositoryValidation(t *testing.T) {
	t.Parallel()

	repo := openTestRepository(t, filepath.Join(t.TempDir(), "inbox.db"))
	ctx := context.Background()

	_, _, err := repo.InsertIfAbsent(ctx, nil)
	require.ErrorIs(t, err, inbox.ErrRecordRequired)

	_, err = repo.Get(ctx, inbox.Key{MessageID: "m"})
	require.ErrorIs(t, err, inbox.ErrConsumerGroupRequired)

	_, err = repo.Get(ctx, inbox.Key{MessageID: "m", ConsumerGroup: "a\x00b"})
	require.ErrorIs(t, err, inbox.ErrConsumerGroupRequired)

	_, err = repo.Get(ctx, inbox.Key{MessageID: "missing", ConsumerGroup: "g"})
	require.ErrorIs(t, err, inbox.ErrRecordNotFound)

	_, err = repo.Claim(ctx, inbox.Key{MessageID: "missing", ConsumerGroup: "g"}, epoch, epoch)
	require.ErrorIs(t, err, inbox.ErrRecordNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = repo.Get(cancelled, inbox.Key{MessageID: "m", ConsumerGroup: "g"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessorDeduplicatesAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "inbox.db")

	var calls atomic.Int32

	handler := inbox.HandlerFunc(func(context.Context, inbox.Message) error {
		calls.Add(1)

		return nil
	})

	msg := inbox.Message{ID: "m-1", Topic: "orders", Payload: []byte(`{}`)}

	first, err := Open(path)
	require.NoError(t, err)

	p, err := inbox.NewProcessor(first, "billing", handler, inbox.WithClock(clock.NewVirtual(epoch)))
	require.NoError(t, err)
	require.NoError(t, p.Receive(context.Background(), msg))
	require.NoError(t, first.Close())

	second := openTestRepository(t, path)

	p, err = inbox.NewProcessor(second, "billing", handler, inbox.WithClock(clock.NewVirtual(epoch)))
	require.NoError(t, err)
	require.NoError(t, p.Receive(context.Background(), msg))

	assert.EqualValues(t, 1, calls.Load())
}
