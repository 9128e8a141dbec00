//go:build sqlite_vec && cgo

package pool

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// init registers the sqlite-vec extension for auto-loading on every
// connection opened by the cgo SQLite driver, giving memory entities'
// embedding column a path to ANN search without adding a new repository
// operation. No current caller issues vector queries; this only keeps
// the extension available for a future consumer.
func init() {
	vec.Auto()
}
