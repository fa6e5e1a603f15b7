// Package bolt stores inbox records in an embedded bbolt file.
//
// It suits single-instance consumers that need durable deduplication
// without a database server. bbolt serialises writers, so InsertIfAbsent
// and Claim are atomic per key.
package bolt
