package outbox

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/LerianStudio/lib-resilience/resilience/assert"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the payload accepted by NewRecord.
const DefaultMaxPayloadBytes = 1 << 20

// Record is a message waiting in the outbox.
type Record struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Topic         string
	Payload       []byte
	Headers       map[string]string
	Status        Status
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
	NextAttemptAt *time.Time
}

// Message is what a Publisher receives for one record.
type Message struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Topic         string
	Payload       []byte
	Headers       map[string]string
	// Attempt is the 1-based delivery attempt of this record.
	Attempt int
}

// Message returns the publishable view of r.
func (r *Record) Message() Message {
	return Message{
		ID:            r.ID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		Topic:         r.Topic,
		Payload:       r.Payload,
		Headers:       maps.Clone(r.Headers),
		Attempt:       r.AttemptCount + 1,
	}
}

// RecordOption sets optional record fields.
type RecordOption func(*Record)

// WithID overrides the generated record id.
func WithID(id uuid.UUID) RecordOption {
	return func(r *Record) { r.ID = id }
}

// WithAggregateType sets the aggregate type.
func WithAggregateType(aggregateType string) RecordOption {
	return func(r *Record) { r.AggregateType = strings.TrimSpace(aggregateType) }
}

// WithTopic sets the destination topic. The publisher decides what an
// empty topic means.
func WithTopic(topic string) RecordOption {
	return func(r *Record) { r.Topic = strings.TrimSpace(topic) }
}

// WithHeaders attaches message headers.
func WithHeaders(headers map[string]string) RecordOption {
	return func(r *Record) { r.Headers = maps.Clone(headers) }
}

// WithCreatedAt sets the creation time, normally taken from the caller's clock.
func WithCreatedAt(at time.Time) RecordOption {
	return func(r *Record) { r.CreatedAt = at.UTC() }
}

// NewRecord returns a validated PENDING record.
func NewRecord(ctx context.Context, eventType, aggregateID string, payload []byte, opts ...RecordOption) (*Record, error) {
	record := &Record{
		ID:          uuid.New(),
		AggregateID: strings.TrimSpace(aggregateID),
		EventType:   strings.TrimSpace(eventType),
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(record)
		}
	}

	asserter := assert.New(ctx, nil, "outbox", "outbox.new_record")

	if err := asserter.That(ctx, record.ID != uuid.Nil, "record id is required"); err != nil {
		return nil, fmt.Errorf("outbox record id: %w", err)
	}

	if err := asserter.NotEmpty(ctx, record.EventType, "event type is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventTypeRequired, err)
	}

	if err := asserter.NotEmpty(ctx, record.AggregateID, "aggregate id is required"); err != nil {
		return nil, fmt.Errorf("outbox record aggregate id: %w", err)
	}

	if err := asserter.That(ctx, len(payload) > 0, "payload is required"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadRequired, err)
	}

	if err := asserter.That(ctx, len(payload) <= DefaultMaxPayloadBytes, "payload exceeds max size",
		"size", len(payload)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err)
	}

	return record, nil
}
