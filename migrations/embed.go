package migrations

import "embed"

// Dir is the root of FS that goose reads from.
const Dir = "."

//go:embed *.sql
var FS embed.FS
