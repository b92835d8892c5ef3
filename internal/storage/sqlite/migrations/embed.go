package migrations

import "embed"

// FS contains the embedded interaction log migrations.
//
//go:embed *.sql
var FS embed.FS
