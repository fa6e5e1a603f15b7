// Package resilience hosts the Launcher that runs long-lived reliability
// workers, such as the outbox dispatcher and broker consumers, under one
// cancellation scope.
//
// The reliability primitives live in subpackages: clock, backoff, retry,
// circuitbreaker, bulkhead, throttle, timeout, fallback and guard for call
// protection; outbox, inbox and idempotency for exactly-once effects over
// at-least-once delivery.
package resilience
