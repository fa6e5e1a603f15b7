//go:build integration

package mongo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-resilience/resilience/inbox"
	libMongo "github.com/LerianStudio/lib-resilience/resilience/mongo"
)

func setupRepository(t *testing.T) *Repository {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := libMongo.NewClient(ctx, libMongo.Config{URI: uri, Database: "resilience"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close(context.Background()) })

	repo, err := NewRepository(ctx, client)
	require.NoError(t, err)

	return repo
}

func TestIntegrationInboxLifecycle(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key := inbox.Key{MessageID: "m-1", ConsumerGroup: "billing"}

	record := &inbox.Record{
		MessageID: key.MessageID, ConsumerGroup: key.ConsumerGroup, Topic: "orders",
		AttemptCount: 1, ReceivedAt: now, ClaimedAt: now,
	}

	_, inserted, err := repo.InsertIfAbsent(ctx, record)
	require.NoError(t, err)
	assert.True(t, inserted)

	existing, inserted, err := repo.InsertIfAbsent(ctx, record)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, inbox.StatusReceived, existing.Status)

	claimed, err := repo.Claim(ctx, key, now.Add(time.Second), now)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, repo.MarkFailed(ctx, key, "boom"))

	claimed, err = repo.Claim(ctx, key, now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.MarkProcessed(ctx, key, now.Add(2*time.Minute)))
	require.ErrorIs(t, repo.MarkProcessed(ctx, key, now), inbox.ErrTransitionInvalid)

	stored, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusProcessed, stored.Status)
	assert.Equal(t, 2, stored.AttemptCount)
}

func TestIntegrationProcessorRunsHandlerOnceUnderConcurrency(t *testing.T) {
	repo := setupRepository(t)

	var calls atomic.Int32

	p, err := inbox.NewProcessor(repo, "billing", inbox.HandlerFunc(func(context.Context, inbox.Message) error {
		calls.Add(1)

		return nil
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = p.Receive(context.Background(), inbox.Message{ID: "m-1", Topic: "orders"})
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
}
