package registry

import (
	"database/sql"
	"time"
)

// SetNowFunc replaces the package clock for tests and returns a restore
// function. This file only compiles during `go test`.
func SetNowFunc(f func() time.Time) func() {
	old := timeNow
	timeNow = f
	return func() { timeNow = old }
}

// DB exposes the internal *sql.DB for test helpers in registry_test.
func (s *Store) DB() *sql.DB {
	return s.db
}
