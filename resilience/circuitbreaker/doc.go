// Package circuitbreaker stops calls to a failing dependency.
//
// A Breaker starts CLOSED and records call outcomes in a rolling window.
// When recorded failures reach the configured threshold it opens and
// rejects calls with an OpenError until OpenDuration has elapsed on its
// clock. It then admits exactly one probe at a time in HALF_OPEN; enough
// consecutive probe successes close it, any probe failure reopens it.
//
// Breakers are owned by a Manager, an explicit registry keyed by name.
package circuitbreaker
