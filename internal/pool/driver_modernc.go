//go:build !sqlite_cgo

package pool

import (
	_ "modernc.org/sqlite"
)

// DefaultDriverName is the database/sql driver name used when the module
// is built without cgo. modernc.org/sqlite is a pure-Go SQLite
// implementation, so this is the default driver.
const DefaultDriverName = "sqlite"
