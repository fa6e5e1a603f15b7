// Package idempotency runs a keyed operation at most once and replays its
// stored result to later callers with the same key and request.
//
// A request is identified by its key and a fingerprint of its canonical
// JSON encoding. The first caller reserves the key in a Store and runs the
// operation; concurrent callers wait for the stored result. Reusing a key
// with a different request fails with a *KeyConflictError. A failed
// operation releases the key so the client may retry.
//
// In-process duplicates are collapsed with singleflight before they reach
// the store. The redis and postgres subpackages hold shared stores.
package idempotency
