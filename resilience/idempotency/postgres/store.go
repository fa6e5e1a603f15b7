package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-resilience/resilience/idempotency"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	libPostgres "github.com/LerianStudio/lib-resilience/resilience/postgres"
)

const (
	defaultTableName = "idempotency_records"

	// maxReserveAttempts bounds the race where the conflicting row is
	// released between the upsert and the follow-up select.
	maxReserveAttempts = 3

	recordColumns = "key, fingerprint, status, token, result, created_at, locked_until, expires_at"
)

var ErrConnectionRequired = errors.New("postgres connection is required")

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger libLog.Logger) Option {
	return func(s *Store) { s.logger = libLog.OrNop(logger) }
}

// WithTracer sets the tracer used for one span per call.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if !nilcheck.Is(tracer) {
			s.tracer = tracer
		}
	}
}

// WithTableName overrides the table, optionally schema-qualified.
func WithTableName(tableName string) Option {
	return func(s *Store) { s.tableName = strings.TrimSpace(tableName) }
}

// Store is an idempotency.Store backed by PostgreSQL.
type Store struct {
	db        *sql.DB
	logger    libLog.Logger
	tracer    trace.Tracer
	tableName string
	table     string
}

var _ idempotency.Store = (*Store)(nil)

// NewStore returns a Store over db.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	s := &Store{
		db:        db,
		logger:    libLog.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("resilience.noop"),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.tableName == "" {
		s.tableName = defaultTableName
	}

	if err := libPostgres.ValidateIdentifierPath(s.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	s.table = libPostgres.QuoteIdentifierPath(s.tableName)

	return s, nil
}

// Reserve inserts record, or replaces a stored row that is reclaimable at
// record.CreatedAt. Otherwise the stored row is returned.
func (s *Store) Reserve(ctx context.Context, record *idempotency.Record) (*idempotency.Record, bool, error) {
	if record == nil {
		return nil, false, idempotency.ErrRecordRequired
	}

	if strings.TrimSpace(record.Key) == "" {
		return nil, false, idempotency.ErrKeyRequired
	}

	ctx, span := s.tracer.Start(ctx, "postgres.idempotency.reserve")
	defer span.End()

	query := "INSERT INTO " + s.table + " AS r (" + recordColumns + ")" +
		" VALUES ($1, $2, $3, $4, NULL, $5, $6, $7)" +
		" ON CONFLICT (key) DO UPDATE SET" +
		" fingerprint = EXCLUDED.fingerprint, status = EXCLUDED.status, token = EXCLUDED.token," +
		" result = NULL, created_at = EXCLUDED.created_at," +
		" locked_until = EXCLUDED.locked_until, expires_at = EXCLUDED.expires_at" +
		" WHERE r.expires_at <= $5 OR (r.status = $3 AND r.locked_until <= $5)" +
		" RETURNING key"

	for range maxReserveAttempts {
		var key string

		err := s.db.QueryRowContext(ctx, query,
			record.Key,
			record.Fingerprint,
			string(idempotency.StatusInProgress),
			record.Token,
			record.CreatedAt.UTC(),
			record.LockedUntil.UTC(),
			record.ExpiresAt.UTC(),
		).Scan(&key)

		switch {
		case err == nil:
			span.SetAttributes(attribute.Bool("idempotency.reserved", true))

			stored := record.Clone()
			stored.Status = idempotency.StatusInProgress
			stored.Result = nil

			return stored, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, s.fail(ctx, span, "failed to reserve idempotency key", err)
		}

		existing, err := s.get(ctx, record.Key)
		if errors.Is(err, idempotency.ErrRecordNotFound) {
			continue
		}

		if err != nil {
			return nil, false, s.fail(ctx, span, "failed to load idempotency record", err)
		}

		span.SetAttributes(attribute.Bool("idempotency.reserved", false))

		return existing, false, nil
	}

	return nil, false, s.fail(ctx, span, "failed to reserve idempotency key",
		fmt.Errorf("%w: %s changed concurrently", idempotency.ErrRecordNotFound, record.Key))
}

// Get returns the stored record.
func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.idempotency.get")
	defer span.End()

	record, err := s.get(ctx, key)
	if err != nil && !errors.Is(err, idempotency.ErrRecordNotFound) {
		return nil, s.fail(ctx, span, "failed to get idempotency record", err)
	}

	return record, err
}

// Complete stores result for the reservation identified by token.
func (s *Store) Complete(ctx context.Context, key, token string, result []byte, expiresAt time.Time) error {
	ctx, span := s.tracer.Start(ctx, "postgres.idempotency.complete")
	defer span.End()

	if result == nil {
		result = []byte{}
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE "+s.table+" SET status = $1, result = $2, expires_at = $3"+
			" WHERE key = $4 AND token = $5 AND status = $6",
		string(idempotency.StatusCompleted), result, expiresAt.UTC(), key, token, string(idempotency.StatusInProgress))
	if err != nil {
		return s.fail(ctx, span, "failed to complete idempotency key", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return s.fail(ctx, span, "failed to complete idempotency key", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", idempotency.ErrReservationLost, key)
	}

	return nil
}

// Release deletes the reservation identified by token.
func (s *Store) Release(ctx context.Context, key, token string) error {
	ctx, span := s.tracer.Start(ctx, "postgres.idempotency.release")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.table+" WHERE key = $1 AND token = $2 AND status = $3",
		key, token, string(idempotency.StatusInProgress))
	if err != nil {
		return s.fail(ctx, span, "failed to release idempotency key", err)
	}

	return nil
}

// PurgeExpired deletes records that expired before now and reports how
// many were removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.idempotency.purge_expired")
	defer span.End()

	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.table+" WHERE expires_at <= $1", now.UTC())
	if err != nil {
		return 0, s.fail(ctx, span, "failed to purge idempotency records", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, s.fail(ctx, span, "failed to purge idempotency records", err)
	}

	span.SetAttributes(attribute.Int64("idempotency.purged", rows))

	return rows, nil
}

func (s *Store) get(ctx context.Context, key string) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM "+s.table+" WHERE key = $1", key)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", idempotency.ErrRecordNotFound, key)
	}

	return record, err
}

func (s *Store) fail(ctx context.Context, span trace.Span, msg string, err error) error {
	libOpentelemetry.HandleSpanError(span, msg, err)

	s.logger.Log(ctx, libLog.LevelError, msg, libLog.Err(err))

	return fmt.Errorf("%s: %w", strings.TrimPrefix(msg, "failed to "), err)
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*idempotency.Record, error) {
	var (
		record idempotency.Record
		status string
	)

	if err := scanner.Scan(
		&record.Key,
		&record.Fingerprint,
		&status,
		&record.Token,
		&record.Result,
		&record.CreatedAt,
		&record.LockedUntil,
		&record.ExpiresAt,
	); err != nil {
		return nil, err
	}

	parsed, err := idempotency.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	record.Status = parsed
	record.CreatedAt = record.CreatedAt.UTC()
	record.LockedUntil = record.LockedUntil.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()

	return &record, nil
}
