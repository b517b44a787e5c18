// Package store persists calibrations and tracking runs, in memory or in
// a SQLite database.
package store

import "errors"

// ErrNotFound is returned for unknown ids.
var ErrNotFound = errors.New("not found")
