// Package retry re-executes an operation according to an immutable Policy.
//
// Delays between attempts come from a backoff.Strategy randomized by a
// backoff.Jitter and are waited on the injected clock, so every suspension
// observes the caller's context. Only errors accepted by the Policy's
// Classifier are retried; everything else is returned untouched.
package retry
