// Package migrations embeds the SQL schema so the binary carries its own
// migrations.
package migrations

import "embed"

// FS holds every *.up.sql file in this directory at its root.
//
//go:embed *.sql
var FS embed.FS
