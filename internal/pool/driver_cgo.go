//go:build sqlite_cgo

package pool

import (
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDriverName is the database/sql driver name used when the module
// is built with -tags sqlite_cgo. mattn/go-sqlite3 wraps the C SQLite
// amalgamation and is the faster option when a C toolchain is available.
const DefaultDriverName = "sqlite3"
