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

	"github.com/LerianStudio/lib-resilience/resilience/inbox"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-resilience/resilience/log"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
	libPostgres "github.com/LerianStudio/lib-resilience/resilience/postgres"
)

const defaultTableName = "inbox_records"

var (
	ErrConnectionRequired = errors.New("postgres connection is required")

	recordColumns = "message_id, consumer_group, topic, payload, status, attempt_count, last_error, " +
		"received_at, claimed_at, processed_at"
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

// Repository persists inbox records in PostgreSQL.
type Repository struct {
	db        *sql.DB
	logger    libLog.Logger
	tracer    trace.Tracer
	tableName string
	table     string
}

var _ inbox.Repository = (*Repository)(nil)

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

// InsertIfAbsent inserts record unless its key exists, in which case the
// stored row is returned.
func (repo *Repository) InsertIfAbsent(ctx context.Context, record *inbox.Record) (*inbox.Record, bool, error) {
	if record == nil {
		return nil, false, inbox.ErrRecordRequired
	}

	key := record.Key()
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.inbox.insert_if_absent")
	defer span.End()

	status := record.Status
	if status == "" {
		status = inbox.StatusReceived
	}

	attempts := max(record.AttemptCount, 1)

	query := "INSERT INTO " + repo.table +
		" (message_id, consumer_group, topic, payload, status, attempt_count, last_error, received_at, claimed_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8)" +
		" ON CONFLICT (message_id, consumer_group) DO NOTHING"

	result, err := repo.db.ExecContext(ctx, query,
		key.MessageID,
		key.ConsumerGroup,
		record.Topic,
		record.Payload,
		string(status),
		attempts,
		record.ReceivedAt.UTC(),
		record.ClaimedAt.UTC(),
	)
	if err != nil {
		return nil, false, repo.fail(ctx, span, "failed to insert inbox record", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, repo.fail(ctx, span, "failed to insert inbox record", err)
	}

	if affected == 1 {
		stored := record.Clone()
		stored.Status = status
		stored.AttemptCount = attempts

		span.SetAttributes(attribute.Bool("inbox.inserted", true))

		return stored, true, nil
	}

	span.SetAttributes(attribute.Bool("inbox.inserted", false))

	existing, err := repo.get(ctx, key)
	if err != nil {
		return nil, false, repo.fail(ctx, span, "failed to load existing inbox record", err)
	}

	return existing, false, nil
}

// Claim starts another attempt on a FAILED or stale RECEIVED row.
func (repo *Repository) Claim(ctx context.Context, key inbox.Key, now, staleBefore time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.inbox.claim")
	defer span.End()

	query := "UPDATE " + repo.table +
		" SET status = $1, claimed_at = $2, attempt_count = attempt_count + 1" +
		" WHERE message_id = $3 AND consumer_group = $4" +
		" AND (status = $5 OR (status = $1 AND claimed_at < $6))"

	result, err := repo.db.ExecContext(ctx, query,
		string(inbox.StatusReceived),
		now.UTC(),
		key.MessageID,
		key.ConsumerGroup,
		string(inbox.StatusFailed),
		staleBefore.UTC(),
	)
	if err != nil {
		return false, repo.fail(ctx, span, "failed to claim inbox record", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, repo.fail(ctx, span, "failed to claim inbox record", err)
	}

	span.SetAttributes(attribute.Bool("inbox.claimed", affected == 1))

	return affected == 1, nil
}

// MarkProcessed moves a RECEIVED row to PROCESSED.
func (repo *Repository) MarkProcessed(ctx context.Context, key inbox.Key, processedAt time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.inbox.mark_processed")
	defer span.End()

	query := "UPDATE " + repo.table +
		" SET status = $1, processed_at = $2, last_error = ''" +
		" WHERE message_id = $3 AND consumer_group = $4 AND status = $5"

	result, err := repo.db.ExecContext(ctx, query,
		string(inbox.StatusProcessed), processedAt.UTC(), key.MessageID, key.ConsumerGroup, string(inbox.StatusReceived))
	if err != nil {
		return repo.fail(ctx, span, "failed to mark inbox record processed", err)
	}

	if err := ensureRowsAffected(result, key); err != nil {
		return repo.fail(ctx, span, "failed to mark inbox record processed", err)
	}

	return nil
}

// MarkFailed moves a RECEIVED row to FAILED.
func (repo *Repository) MarkFailed(ctx context.Context, key inbox.Key, errMsg string) error {
	if err := key.Validate(); err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.inbox.mark_failed")
	defer span.End()

	query := "UPDATE " + repo.table +
		" SET status = $1, last_error = $2" +
		" WHERE message_id = $3 AND consumer_group = $4 AND status = $5"

	result, err := repo.db.ExecContext(ctx, query,
		string(inbox.StatusFailed), outbox.SanitizeMessage(errMsg), key.MessageID, key.ConsumerGroup, string(inbox.StatusReceived))
	if err != nil {
		return repo.fail(ctx, span, "failed to mark inbox record failed", err)
	}

	if err := ensureRowsAffected(result, key); err != nil {
		return repo.fail(ctx, span, "failed to mark inbox record failed", err)
	}

	return nil
}

// Get returns one record.
func (repo *Repository) Get(ctx context.Context, key inbox.Key) (*inbox.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.inbox.get")
	defer span.End()

	record, err := repo.get(ctx, key)
	if err != nil && !errors.Is(err, inbox.ErrRecordNotFound) {
		return nil, repo.fail(ctx, span, "failed to get inbox record", err)
	}

	return record, err
}

func (repo *Repository) get(ctx context.Context, key inbox.Key) (*inbox.Record, error) {
	row := repo.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM "+repo.table+" WHERE message_id = $1 AND consumer_group = $2",
		key.MessageID, key.ConsumerGroup)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", inbox.ErrRecordNotFound, key)
	}

	return record, err
}

func (repo *Repository) fail(ctx context.Context, span trace.Span, msg string, err error) error {
	libOpentelemetry.HandleSpanError(span, msg, err)

	repo.logger.Log(ctx, libLog.LevelError, msg, libLog.String("error", outbox.SanitizeError(err)))

	return fmt.Errorf("%s: %w", strings.TrimPrefix(msg, "failed to "), err)
}

func ensureRowsAffected(result sql.Result, key inbox.Key) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s is not RECEIVED", inbox.ErrTransitionInvalid, key)
	}

	return nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*inbox.Record, error) {
	var (
		record      inbox.Record
		status      string
		processedAt sql.NullTime
	)

	if err := scanner.Scan(
		&record.MessageID,
		&record.ConsumerGroup,
		&record.Topic,
		&record.Payload,
		&status,
		&record.AttemptCount,
		&record.LastError,
		&record.ReceivedAt,
		&record.ClaimedAt,
		&processedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := inbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	record.Status = parsed
	record.ReceivedAt = record.ReceivedAt.UTC()
	record.ClaimedAt = record.ClaimedAt.UTC()

	if processedAt.Valid {
		at := processedAt.Time.UTC()
		record.ProcessedAt = &at
	}

	return &record, nil
}
