// Package migrations carries the SQL schema shipped with the binaries.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
