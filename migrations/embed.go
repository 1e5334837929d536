// Package migrations embeds the history database schema into the binary.
package migrations

import "embed"

// FS holds every migration file at its root, ready for database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
