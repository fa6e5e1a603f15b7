//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/LerianStudio/lib-resilience/resilience/outbox"
	libPostgres "github.com/LerianStudio/lib-resilience/resilience/postgres"
)

func setupDatabase(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("resilience"),
		tcpostgres.WithUsername("resilience"),
		tcpostgres.WithPassword("resilience"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := libPostgres.New(libPostgres.Config{DSN: dsn}, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	db, err := conn.DB(ctx)
	require.NoError(t, err)
	require.NoError(t, libPostgres.Migrate(ctx, db, "resilience"))

	return db
}

func TestIntegrationOutboxLifecycle(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()

	repo, err := NewRepository(db)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// The business write and the outbox write share one transaction.
	rolledBack, err := outbox.NewRecord(ctx, "order.created", "order-0", []byte(`{}`), outbox.WithCreatedAt(base))
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.CreateWithTx(ctx, tx, rolledBack)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = repo.GetByID(ctx, rolledBack.ID)
	require.ErrorIs(t, err, outbox.ErrRecordNotFound)

	var ids []string

	for i := range 3 {
		record, recErr := outbox.NewRecord(ctx, "order.created", "order-1", []byte(`{"n":1}`),
			outbox.WithCreatedAt(base.Add(time.Duration(i)*time.Second)),
			outbox.WithHeaders(map[string]string{"k": "v"}))
		require.NoError(t, recErr)

		_, recErr = repo.Create(ctx, record)
		require.NoError(t, recErr)

		ids = append(ids, record.ID.String())
	}

	now := base.Add(time.Hour)

	pending, err := repo.ListPending(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	for i, record := range pending {
		assert.Equal(t, ids[i], record.ID.String())
		assert.Equal(t, "v", record.Headers["k"])
	}

	require.NoError(t, repo.MarkDispatched(ctx, pending[0].ID, now))
	require.ErrorIs(t, repo.MarkDispatched(ctx, pending[0].ID, now), outbox.ErrTransitionInvalid)

	later := now.Add(time.Minute)
	status, err := repo.MarkAttemptFailed(ctx, pending[1].ID, "broker down", 2, &later)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, status)

	due, err := repo.ListPending(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, pending[2].ID, due[0].ID)

	status, err = repo.MarkAttemptFailed(ctx, pending[1].ID, "broker down", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, status)

	failed, err := repo.GetByID(ctx, pending[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, failed.AttemptCount)
	assert.Nil(t, failed.NextAttemptAt)

	require.NoError(t, repo.MarkFailed(ctx, pending[2].ID, "schema rejected"))

	due, err = repo.ListPending(ctx, 10, later)
	require.NoError(t, err)
	assert.Empty(t, due)
}
