// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a write-once violation: a record for the entity
// already exists and records are never updated in place.
var ErrConflict = errors.New("conflict: record already exists")
