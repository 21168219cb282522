//go:build !purego

package userdata

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"
