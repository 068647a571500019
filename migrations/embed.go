// Package migrations carries the PostgreSQL schema, applied in file name order.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
