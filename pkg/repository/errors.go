// Package repository implements data access for runs, taxonomies,
// assignments and the interaction index over PostgreSQL.
package repository

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")
