package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a uniqueness constraint is violated, e.g.
// creating a project whose id already exists.
var ErrConflict = errors.New("storage: conflict")
