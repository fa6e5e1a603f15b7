package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-resilience/resilience/inbox"
	"github.com/LerianStudio/lib-resilience/resilience/internal/nilcheck"
	libMongo "github.com/LerianStudio/lib-resilience/resilience/mongo"
	libOpentelemetry "github.com/LerianStudio/lib-resilience/resilience/opentelemetry"
	"github.com/LerianStudio/lib-resilience/resilience/outbox"
)

const defaultCollection = "inbox_records"

var ErrClientRequired = errors.New("mongo client is required")

// Option configures a Repository.
type Option func(*Repository)

// WithCollection overrides the collection name.
func WithCollection(name string) Option {
	return func(repo *Repository) {
		if name = strings.TrimSpace(name); name != "" {
			repo.collectionName = name
		}
	}
}

// WithTracer sets the tracer used for one span per call.
func WithTracer(tracer trace.Tracer) Option {
	return func(repo *Repository) {
		if !nilcheck.Is(tracer) {
			repo.tracer = tracer
		}
	}
}

// Repository persists inbox records in MongoDB.
type Repository struct {
	collection     *mongo.Collection
	collectionName string
	tracer         trace.Tracer
}

var _ inbox.Repository = (*Repository)(nil)

// document is the stored shape of a record.
type document struct {
	MessageID     string     `bson:"message_id"`
	ConsumerGroup string     `bson:"consumer_group"`
	Topic         string     `bson:"topic"`
	Payload       []byte     `bson:"payload,omitempty"`
	Status        string     `bson:"status"`
	AttemptCount  int        `bson:"attempt_count"`
	LastError     string     `bson:"last_error"`
	ReceivedAt    time.Time  `bson:"received_at"`
	ClaimedAt     time.Time  `bson:"claimed_at"`
	ProcessedAt   *time.Time `bson:"processed_at,omitempty"`
}

// NewRepository opens the collection on client and ensures the unique
// key index exists.
func NewRepository(ctx context.Context, client *libMongo.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	repo := &Repository{
		collectionName: defaultCollection,
		tracer:         noop.NewTracerProvider().Tracer("resilience.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	db, err := client.Database(ctx)
	if err != nil {
		return nil, err
	}

	err = client.EnsureIndexes(ctx, repo.collectionName, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "consumer_group", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("inbox_key"),
	})
	if err != nil {
		return nil, err
	}

	repo.collection = db.Collection(repo.collectionName)

	return repo, nil
}

// InsertIfAbsent inserts record, relying on the unique index to detect
// an existing key.
func (repo *Repository) InsertIfAbsent(ctx context.Context, record *inbox.Record) (*inbox.Record, bool, error) {
	if record == nil {
		return nil, false, inbox.ErrRecordRequired
	}

	key := record.Key()
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	ctx, span := repo.tracer.Start(ctx, "mongo.inbox.insert_if_absent")
	defer span.End()

	stored := record.Clone()
	if stored.Status == "" {
		stored.Status = inbox.StatusReceived
	}

	_, err := repo.collection.InsertOne(ctx, toDocument(stored))
	if err == nil {
		return stored, true, nil
	}

	if !mongo.IsDuplicateKeyError(err) {
		libOpentelemetry.HandleSpanError(span, "failed to insert inbox record", err)

		return nil, false, fmt.Errorf("insert inbox record: %w", err)
	}

	existing, err := repo.find(ctx, key)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to load existing inbox record", err)

		return nil, false, err
	}

	return existing, false, nil
}

// Claim starts another attempt on a FAILED or stale RECEIVED record.
func (repo *Repository) Claim(ctx context.Context, key inbox.Key, now, staleBefore time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	ctx, span := repo.tracer.Start(ctx, "mongo.inbox.claim")
	defer span.End()

	filter := keyFilter(key)
	filter = append(filter, bson.E{Key: "$or", Value: bson.A{
		bson.D{{Key: "status", Value: string(inbox.StatusFailed)}},
		bson.D{
			{Key: "status", Value: string(inbox.StatusReceived)},
			{Key: "claimed_at", Value: bson.D{{Key: "$lt", Value: staleBefore.UTC()}}},
		},
	}})

	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(inbox.StatusReceived)},
			{Key: "claimed_at", Value: now.UTC()},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempt_count", Value: 1}}},
	}

	result, err := repo.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to claim inbox record", err)

		return false, fmt.Errorf("claim inbox record: %w", err)
	}

	return result.MatchedCount == 1, nil
}

// MarkProcessed moves a RECEIVED record to PROCESSED.
func (repo *Repository) MarkProcessed(ctx context.Context, key inbox.Key, processedAt time.Time) error {
	return repo.transition(ctx, key, "mongo.inbox.mark_processed", bson.D{
		{Key: "status", Value: string(inbox.StatusProcessed)},
		{Key: "processed_at", Value: processedAt.UTC()},
		{Key: "last_error", Value: ""},
	})
}

// MarkFailed moves a RECEIVED record to FAILED.
func (repo *Repository) MarkFailed(ctx context.Context, key inbox.Key, errMsg string) error {
	return repo.transition(ctx, key, "mongo.inbox.mark_failed", bson.D{
		{Key: "status", Value: string(inbox.StatusFailed)},
		{Key: "last_error", Value: outbox.SanitizeMessage(errMsg)},
	})
}

// Get returns the stored record.
func (repo *Repository) Get(ctx context.Context, key inbox.Key) (*inbox.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx, span := repo.tracer.Start(ctx, "mongo.inbox.get")
	defer span.End()

	record, err := repo.find(ctx, key)
	if err != nil && !errors.Is(err, inbox.ErrRecordNotFound) {
		libOpentelemetry.HandleSpanError(span, "failed to get inbox record", err)
	}

	return record, err
}

func (repo *Repository) transition(ctx context.Context, key inbox.Key, spanName string, set bson.D) error {
	if err := key.Validate(); err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, spanName)
	defer span.End()

	filter := append(keyFilter(key), bson.E{Key: "status", Value: string(inbox.StatusReceived)})

	result, err := repo.collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to update inbox record", err)

		return fmt.Errorf("update inbox record: %w", err)
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s is not RECEIVED", inbox.ErrTransitionInvalid, key)
	}

	return nil
}

func (repo *Repository) find(ctx context.Context, key inbox.Key) (*inbox.Record, error) {
	var doc document

	err := repo.collection.FindOne(ctx, keyFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", inbox.ErrRecordNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("find inbox record: %w", err)
	}

	return fromDocument(doc)
}

func keyFilter(key inbox.Key) bson.D {
	return bson.D{
		{Key: "message_id", Value: key.MessageID},
		{Key: "consumer_group", Value: key.ConsumerGroup},
	}
}

func toDocument(record *inbox.Record) document {
	return document{
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
	}
}

func fromDocument(doc document) (*inbox.Record, error) {
	status, err := inbox.ParseStatus(doc.Status)
	if err != nil {
		return nil, err
	}

	record := &inbox.Record{
		MessageID:     doc.MessageID,
		ConsumerGroup: doc.ConsumerGroup,
		Topic:         doc.Topic,
		Payload:       doc.Payload,
		Status:        status,
		AttemptCount:  doc.AttemptCount,
		LastError:     doc.LastError,
		ReceivedAt:    doc.ReceivedAt.UTC(),
		ClaimedAt:     doc.ClaimedAt.UTC(),
	}

	if doc.ProcessedAt != nil {
		at := doc.ProcessedAt.UTC()
		record.ProcessedAt = &at
	}

	return record, nil
}
