// Package backoff computes retry delays. A Strategy maps an attempt number
// to a base delay and a Jitter randomizes that delay within a documented
// bound. Both are pure apart from the injected random source.
package backoff
