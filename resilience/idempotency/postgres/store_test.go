//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-resilience/resilience/idempotency"
	libPostgres "github.com/LerianStudio/lib-resilience/resilience/postgres"
)

var (
	createdAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	columns = []string{"key", "fingerprint", "status", "token", "result", "created_at", "locked_until", "expires_at"}
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, opts...)
	require.NoError(t, err)

	return store, mock
}

func newReservation() *idempotency.Record {
	return &idempotency.Record{
		Key:         "transfer:client-1",
		Fingerprint: "fp-1",
		Token:       "tok-1",
		CreatedAt:   createdAt,
		LockedUntil: createdAt.Add(30 * time.Second),
		ExpiresAt:   createdAt.Add(24 * time.Hour),
	}
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	db, _, err := sqlmock.New()
	require.NoError(t, err)

	defer db.Close()

	_, err = NewStore(db, WithTableName("idem;drop"))
	require.ErrorIs(t, err, libPostgres.ErrInvalidIdentifier)

	store, err := NewStore(db, WithTableName("billing.idempotency_records"), WithLogger(nil), WithTracer(nil))
	require.NoError(t, err)
	assert.Equal(t, `"billing"."idempotency_records"`, store.table)
}

func TestReserveInserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	record := newReservation()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "idempotency_records" AS r`)).
		WithArgs(record.Key, record.Fingerprint, "IN_PROGRESS", record.Token,
			record.CreatedAt, record.LockedUntil, record.ExpiresAt).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow(record.Key))

	stored, reserved, err := store.Reserve(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, idempotency.StatusInProgress, stored.Status)
	assert.Equal(t, "tok-1", stored.Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveReturnsLiveRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	record := newReservation()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "idempotency_records" AS r`)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, fingerprint`)).
		WithArgs(record.Key).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			record.Key, "fp-1", "COMPLETED", "tok-0", []byte(`{"id":"r-1"}`),
			createdAt.Add(-time.Minute), createdAt.Add(-30*time.Second), createdAt.Add(time.Hour),
		))

	existing, reserved, err := store.Reserve(context.Background(), record)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, idempotency.StatusCompleted, existing.Status)
	assert.Equal(t, []byte(`{"id":"r-1"}`), existing.Result)
	assert.Equal(t, "tok-0", existing.Token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveRetriesWhenRowVanishes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	record := newReservation()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO`)).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key`)).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO`)).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow(record.Key))

	_, reserved, err := store.Reserve(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, reserved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	_, _, err := store.Reserve(context.Background(), nil)
	require.ErrorIs(t, err, idempotency.ErrRecordRequired)

	_, _, err = store.Reserve(context.Background(), &idempotency.Record{})
	require.ErrorIs(t, err, idempotency.ErrKeyRequired)

	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO`)).WillReturnError(boom)

	_, _, err = store.Reserve(context.Background(), newReservation())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "reserve idempotency key")
}

func TestComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rows    int64
		wantErr error
	}{
		{name: "owner", rows: 1},
		{name: "reservation lost", rows: 0, wantErr: idempotency.ErrReservationLost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store, mock := newMockStore(t)
			expiresAt := createdAt.Add(24 * time.Hour)

			mock.ExpectExec(regexp.QuoteMeta(`UPDATE "idempotency_records" SET status = $1, result = $2, expires_at = $3`)).
				WithArgs("COMPLETED", []byte("ok"), expiresAt, "transfer:client-1", "tok-1", "IN_PROGRESS").
				WillReturnResult(sqlmock.NewResult(0, tt.rows))

			err := store.Complete(context.Background(), "transfer:client-1", "tok-1", []byte("ok"), expiresAt)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReleaseAndPurge(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "idempotency_records" WHERE key = $1 AND token = $2 AND status = $3`)).
		WithArgs("transfer:client-1", "tok-1", "IN_PROGRESS").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "idempotency_records" WHERE expires_at <= $1`)).
		WithArgs(createdAt).
		WillReturnResult(sqlmock.NewResult(0, 7))

	require.NoError(t, store.Release(context.Background(), "transfer:client-1", "tok-1"))

	purged, err := store.PurgeExpired(context.Background(), createdAt)
	require.NoError(t, err)
	assert.EqualValues(t, 7, purged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key`)).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key`)).WithArgs("bad").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("bad", "fp", "UNKNOWN", "tok", nil, createdAt, createdAt, createdAt))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, idempotency.ErrRecordNotFound)

	_, err = store.Get(context.Background(), "bad")
	require.ErrorIs(t, err, idempotency.ErrStatusInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}
