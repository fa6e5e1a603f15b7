// Package postgres stores outbox records in PostgreSQL.
//
// The table is created by the migrations shipped in the module's
// migrations directory. Records are written with CreateWithTx inside the
// caller's business transaction and read back by the dispatcher.
package postgres
