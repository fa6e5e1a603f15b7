// Package migrations embeds the PostgreSQL schema for the durable stores.
package migrations

import "embed"

// FS holds golang-migrate up and down files.
//
//go:embed *.sql
var FS embed.FS
