// Package migrations embeds the consumer SQLite schema.
//
// store/ holds the order, item, and storefront schema; attempts/ holds the
// per-process attempt journal, which lives in its own database file.
package migrations

import "embed"

// FS holds both migration sets.
//
//go:embed store/*.sql attempts/*.sql
var FS embed.FS

const (
	// StoreRoot is the migration directory for the domain store.
	StoreRoot = "store"
	// AttemptsRoot is the migration directory for the attempt journal.
	AttemptsRoot = "attempts"
)
