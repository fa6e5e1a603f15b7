package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
	libPostgres "github.com/LerianStudio/lib-resilience/resilience/postgres"
)

const defaultTableName = "outbox_records"

var (
	ErrConnectionRequired        = errors.New("postgres connection is required")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")

	recordColumns = "id, aggregate_id, aggregate_type, event_type, topic, payload, headers, status, " +
		"attempt_count, last_error, created_at, dispatched_at, next_attempt_at"
)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger libLog.Logger) Option {
	return func(repo *Repository) { repo.logger = libLog.OrNop(logger) }
}

// WithTracer sets the tracer used for one span per call.
func WithTracer(tracer trace.Tracer) Option {
	return func(repo *Repository) {
		if !nilcheck.Is(tracer) {
			repo.tracer = tracer
		}
	}
}

// WithTableName overrides the table, optionally schema-qualified.
func WithTableName(tableName string) Option {
	return func(repo *Repository) { repo.tableName = strings.TrimSpace(tableName) }
}

// Repository persists outbox records in PostgreSQL.
type Repository struct {
	db        *sql.DB
	logger    libLog.Logger
	tracer    trace.Tracer
	tableName string
	table     string
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository returns a Repository over db.
func NewRepository(db *sql.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:        db,
		logger:    libLog.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("resilience.noop"),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if err := libPostgres.ValidateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	repo.table = libPostgres.QuoteIdentifierPath(repo.tableName)

	return repo, nil
}

// Create stores record in its own transaction.
func (repo *Repository) Create(ctx context.Context, record *outbox.Record) (*outbox.Record, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.create")
	defer span.End()

	result, err := libPostgres.WithTx(ctx, repo.db, func(tx *sql.Tx) (*outbox.Record, error) {
		return repo.insert(ctx, tx, record)
	})
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to create outbox record", err)
	}

	return result, nil
}

// CreateWithTx stores record inside the caller's transaction, so it commits
// or rolls back together with the business change.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, record *outbox.Record) (*outbox.Record, error) {
	if tx == nil {
		return nil, outbox.ErrTxRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.create_with_tx")
	defer span.End()

	result, err := repo.insert(ctx, tx, record)
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to create outbox record", err)
	}

	return result, nil
}

func (repo *Repository) insert(ctx context.Context, tx *sql.Tx, record *outbox.Record) (*outbox.Record, error) {
	if record == nil {
		return nil, outbox.ErrRecordRequired
	}

	if record.ID == uuid.Nil {
		return nil, ErrIDRequired
	}

	headers, err := marshalHeaders(record.Headers)
	if err != nil {
		return nil, err
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := "INSERT INTO " + repo.table +
		" (id, aggregate_id, aggregate_type, event_type, topic, payload, headers, status, attempt_count, last_error, created_at, updated_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '', $9, $9) RETURNING " + recordColumns

	row := tx.QueryRowContext(ctx, query,
		record.ID,
		record.AggregateID,
		record.AggregateType,
		record.EventType,
		record.Topic,
		record.Payload,
		headers,
		string(outbox.StatusPending),
		createdAt,
	)

	return scanRecord(row)
}

// GetByID returns one record.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.get_by_id")
	defer span.End()

	row := repo.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM "+repo.table+" WHERE id = $1", id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}

	if err != nil {
		return nil, repo.fail(ctx, span, "failed to get outbox record", err)
	}

	return record, nil
}

// ListPending returns up to limit PENDING records due at now, oldest first.
func (repo *Repository) ListPending(ctx context.Context, limit int, now time.Time) ([]*outbox.Record, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.list_pending")
	defer span.End()

	query := "SELECT " + recordColumns + " FROM " + repo.table +
		" WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)" +
		" ORDER BY created_at ASC, id ASC LIMIT $3"

	rows, err := repo.db.QueryContext(ctx, query, string(outbox.StatusPending), now.UTC(), limit)
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to list pending outbox records", err)
	}

	defer rows.Close()

	records := make([]*outbox.Record, 0, limit)

	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, repo.fail(ctx, span, "failed to scan outbox record", scanErr)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, repo.fail(ctx, span, "failed to iterate outbox records", err)
	}

	span.SetAttributes(attribute.Int("outbox.pending", len(records)))

	return records, nil
}

// MarkDispatched moves a PENDING record to DISPATCHED.
func (repo *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, dispatchedAt time.Time) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.mark_dispatched")
	defer span.End()

	query := "UPDATE " + repo.table +
		" SET status = $1, dispatched_at = $2, next_attempt_at = NULL, updated_at = $3" +
		" WHERE id = $4 AND status = $5"

	result, err := repo.db.ExecContext(ctx, query,
		string(outbox.StatusDispatched), dispatchedAt.UTC(), time.Now().UTC(), id, string(outbox.StatusPending))
	if err != nil {
		return repo.fail(ctx, span, "failed to mark outbox record dispatched", err)
	}

	if err := ensureRowsAffected(result, id); err != nil {
		return repo.fail(ctx, span, "failed to mark outbox record dispatched", err)
	}

	return nil
}

// MarkAttemptFailed counts a failed attempt in one statement. The record
// becomes FAILED once its attempt count reaches maxAttempts.
func (repo *Repository) MarkAttemptFailed(
	ctx context.Context,
	id uuid.UUID,
	errMsg string,
	maxAttempts int,
	nextAttemptAt *time.Time,
) (outbox.Status, error) {
	if id == uuid.Nil {
		return "", ErrIDRequired
	}

	if maxAttempts <= 0 {
		return "", ErrMaxAttemptsMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.mark_attempt_failed")
	defer span.End()

	var next sql.NullTime
	if nextAttemptAt != nil {
		next = sql.NullTime{Time: nextAttemptAt.UTC(), Valid: true}
	}

	query := "UPDATE " + repo.table + " SET" +
		" status = CASE WHEN attempt_count + 1 >= $1 THEN $2 ELSE $3 END," +
		" next_attempt_at = CASE WHEN attempt_count + 1 >= $1 THEN NULL ELSE $4::timestamptz END," +
		" attempt_count = attempt_count + 1, last_error = $5, updated_at = $6" +
		" WHERE id = $7 AND status = $3 RETURNING status"

	var status string

	err := repo.db.QueryRowContext(ctx, query,
		maxAttempts,
		string(outbox.StatusFailed),
		string(outbox.StatusPending),
		next,
		outbox.SanitizeMessage(errMsg),
		time.Now().UTC(),
		id,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: record %s is not pending", outbox.ErrTransitionInvalid, id)
	}

	if err != nil {
		return "", repo.fail(ctx, span, "failed to mark outbox attempt failed", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return "", repo.fail(ctx, span, "failed to mark outbox attempt failed", err)
	}

	return parsed, nil
}

// MarkFailed makes a PENDING record FAILED regardless of its attempts.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.mark_failed")
	defer span.End()

	query := "UPDATE " + repo.table +
		" SET status = $1, attempt_count = attempt_count + 1, last_error = $2, next_attempt_at = NULL, updated_at = $3" +
		" WHERE id = $4 AND status = $5"

	result, err := repo.db.ExecContext(ctx, query,
		string(outbox.StatusFailed), outbox.SanitizeMessage(errMsg), time.Now().UTC(), id, string(outbox.StatusPending))
	if err != nil {
		return repo.fail(ctx, span, "failed to mark outbox record failed", err)
	}

	if err := ensureRowsAffected(result, id); err != nil {
		return repo.fail(ctx, span, "failed to mark outbox record failed", err)
	}

	return nil
}

func (repo *Repository) fail(ctx context.Context, span trace.Span, msg string, err error) error {
	libOpentelemetry.HandleSpanError(span, msg, err)

	repo.logger.Log(ctx, libLog.LevelError, msg, libLog.String("error", outbox.SanitizeError(err)))

	return fmt.Errorf("%s: %w", strings.TrimPrefix(msg, "failed to "), err)
}

func ensureRowsAffected(result sql.Result, id uuid.UUID) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: record %s is not pending", outbox.ErrTransitionInvalid, id)
	}

	return nil
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return []byte("{}"), nil
	}

	encoded, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encoding headers: %w", err)
	}

	return encoded, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record        outbox.Record
		headers       []byte
		status        string
		dispatchedAt  sql.NullTime
		nextAttemptAt sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.AggregateID,
		&record.AggregateType,
		&record.EventType,
		&record.Topic,
		&record.Payload,
		&headers,
		&status,
		&record.AttemptCount,
		&record.LastError,
		&record.CreatedAt,
		&dispatchedAt,
		&nextAttemptAt,
	); err != nil {
		return nil, err
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	record.Status = parsed
	record.CreatedAt = record.CreatedAt.UTC()

	if len(headers) > 0 && string(headers) != "{}" {
		if err := json.Unmarshal(headers, &record.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers: %w", err)
		}
	}

	if dispatchedAt.Valid {
		at := dispatchedAt.Time.UTC()
		record.DispatchedAt = &at
	}

	if nextAttemptAt.Valid {
		at := nextAttemptAt.Time.UTC()
		record.NextAttemptAt = &at
	}

	return &record, nil
}
