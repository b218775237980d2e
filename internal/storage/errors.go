package storage

import "errors"

// ErrNotFound indicates the requested row does not exist.
// Callers should wrap with context: fmt.Errorf("storage: prompt %s: %w", name, ErrNotFound).
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a uniqueness violation (e.g. duplicate username or
// prompt name) that maps to HTTP 409.
var ErrConflict = errors.New("conflict")
