//go:build purego

// Build with `-tags purego` to link the pure-Go modernc.org/sqlite driver
// instead of mattn/go-sqlite3's cgo binding.
package userdata

import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"
