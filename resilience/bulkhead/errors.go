package bulkhead

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRejected is matched by every RejectedError.
	ErrRejected = errors.New("bulkhead rejected")
	// ErrQueueTimeout is matched by every TimeoutError.
	ErrQueueTimeout = errors.New("bulkhead queue timeout")
	// ErrInvalidConfig is returned for non-positive concurrency or a negative queue.
	ErrInvalidConfig = errors.New("invalid bulkhead config")
	// ErrBulkheadNotFound is returned by Registry lookups for unknown names.
	ErrBulkheadNotFound = errors.New("bulkhead not found")
)

// RejectedError reports a call refused because every slot and queue
// position was taken.
type RejectedError struct {
	Name          string
	MaxConcurrent int
	MaxQueue      int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("bulkhead %s is full (max concurrent %d, max queue %d)", e.Name, e.MaxConcurrent, e.MaxQueue)
}

// Is matches ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// TimeoutError reports a queued call that did not get a slot in time.
type TimeoutError struct {
	Name   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bulkhead %s: no slot after waiting %s", e.Name, e.Waited)
}

// Is matches ErrQueueTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrQueueTimeout
}
