// Package outbox delivers messages recorded in the same transaction as a
// business change.
//
// Producers store a Record with Repository.CreateWithTx. A Dispatcher
// polls pending records, hands each one to a Publisher and marks it
// DISPATCHED, or counts the failed attempt and leaves it PENDING until
// MaxAttempts turns it FAILED. Delivery is at-least-once: a crash between
// publish and mark republishes the record on the next tick.
//
// The postgres subpackage holds the SQL repository.
package outbox
