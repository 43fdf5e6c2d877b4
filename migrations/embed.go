// Package migrations embeds the PostgreSQL schema files.
package migrations

import "embed"

// FS contains every .sql file in this directory (e.g. 001_initial.sql).
//
//go:embed *.sql
var FS embed.FS
