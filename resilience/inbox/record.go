package inbox

import (
	"strings"
	"time"
)

// Message is one delivery handed to a Processor.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
	Headers map[string]string
}

// Key identifies a message within a consumer group.
type Key struct {
	MessageID     string
	ConsumerGroup string
}

func (k Key) String() string {
	return k.ConsumerGroup + "/" + k.MessageID
}

// Validate checks that both parts of the key are set.
func (k Key) Validate() error {
	if strings.TrimSpace(k.MessageID) == "" {
		return ErrMessageIDRequired
	}

	if strings.TrimSpace(k.ConsumerGroup) == "" {
		return ErrConsumerGroupRequired
	}

	return nil
}

// Record is the stored receipt of a message.
type Record struct {
	MessageID     string
	ConsumerGroup string
	Topic         string
	Payload       []byte
	Status        Status
	AttemptCount  int
	LastError     string
	ReceivedAt    time.Time
	// ClaimedAt is when the current attempt started.
	ClaimedAt   time.Time
	ProcessedAt *time.Time
}

// Key returns the record key.
func (r *Record) Key() Key {
	return Key{MessageID: r.MessageID, ConsumerGroup: r.ConsumerGroup}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r
	out.Payload = append([]byte(nil), r.Payload...)

	if r.ProcessedAt != nil {
		at := *r.ProcessedAt
		out.ProcessedAt = &at
	}

	return &out
}
