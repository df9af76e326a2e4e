// Package migrations embeds the consumer Postgres schema.
package migrations

import "embed"

// FS holds the ordered Postgres migrations.
//
//go:embed *.sql
var FS embed.FS
