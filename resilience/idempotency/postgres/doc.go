// Package postgres stores idempotency records in PostgreSQL. Reserve is a
// single upsert whose conflict clause only replaces reclaimable rows.
package postgres
