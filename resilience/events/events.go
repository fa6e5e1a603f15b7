// Package events carries attempt, rejection and state-transition events
// from the resilience primitives to observability collaborators.
//
// Sinks are fire-and-forget. Emit must return promptly; wrap slow sinks
// with NewAsyncSink so backpressure drops events instead of stalling the
// caller.
package events

import (
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindRetryAttempt        Kind = "retry.attempt"
	KindRetryGiveUp         Kind = "retry.give_up"
	KindBreakerStateChange  Kind = "circuitbreaker.state_change"
	KindBreakerRejected     Kind = "circuitbreaker.rejected"
	KindBulkheadRejected    Kind = "bulkhead.rejected"
	KindBulkheadTimeout     Kind = "bulkhead.timeout"
	KindThrottled           Kind = "throttle.rejected"
	KindTimeout             Kind = "timeout.exceeded"
	KindHedgeLaunched       Kind = "hedge.launched"
	KindOutboxDispatched    Kind = "outbox.dispatched"
	KindOutboxRetry         Kind = "outbox.retry"
	KindOutboxFailed        Kind = "outbox.failed"
	KindInboxProcessed      Kind = "inbox.processed"
	KindInboxDuplicate      Kind = "inbox.duplicate"
	KindInboxFailed         Kind = "inbox.failed"
	KindIdempotencyReplay   Kind = "idempotency.replay"
	KindIdempotencyConflict Kind = "idempotency.conflict"
)

// Outcome values used by attempt events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one observation. Fields that do not apply are left zero.
type Event struct {
	Kind    Kind
	Name    string
	Time    time.Time
	Attempt int
	Outcome string
	From    string
	To      string
	Delay   time.Duration
	Err     error
}

// Sink receives events.
type Sink interface {
	Emit(Event)
}

// Func adapts a function to Sink.
type Func func(Event)

// Emit calls f.
func (f Func) Emit(ev Event) {
	f(ev)
}

type nop struct{}

func (nop) Emit(Event) {}

// Nop returns a sink that discards everything.
//
//nolint:ireturn
func Nop() Sink {
	return nop{}
}

// OrNop returns s, or a discarding sink when s is nil.
//
//nolint:ireturn
func OrNop(s Sink) Sink {
	if s == nil {
		return nop{}
	}

	return s
}

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Multi fans every event out to sinks in order. Nil sinks are skipped.
//
//nolint:ireturn
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))

	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}

	return out
}
