// Package postgres opens PostgreSQL pools through the pgx database/sql
// driver and applies the schema the durable stores depend on.
package postgres
