// Package migrations embeds the goose SQL migrations of the job database.
package migrations

import "embed"

// FS holds every migration file, versioned by its numeric prefix.
//
//go:embed *.sql
var FS embed.FS
