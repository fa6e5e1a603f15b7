// Package runtime recovers panics raised in background goroutines and
// routes them to logs, the active span and a panic counter.
package runtime
