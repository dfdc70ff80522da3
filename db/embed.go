// Package db provides embedded database schema and migration files.
package db

import _ "embed"

// WriteSchema contains the DDL for the order aggregates and their outbox.
//
//go:embed migrations/001_write.sql
var WriteSchema string

// ReadSchema contains the DDL for the order projection.
//
//go:embed migrations/002_read.sql
var ReadSchema string
