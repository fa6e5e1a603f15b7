// Package redis stores idempotency records as Redis hashes. Reserve,
// Complete and Release run as Lua scripts so each is atomic per key, and
// every hash carries a PEXPIRE matching its record expiry.
package redis
