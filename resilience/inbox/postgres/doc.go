// Package postgres stores inbox records in PostgreSQL.
//
// The table is created by the inbox migration shipped with this module.
// The (message_id, consumer_group) primary key is what makes receipt
// idempotent across consumer instances.
package postgres
