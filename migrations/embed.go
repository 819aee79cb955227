// Package migrations carries the SQL schema files, embedded so the runner
// works from any working directory.
package migrations

import "embed"

// FS holds every numbered .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
