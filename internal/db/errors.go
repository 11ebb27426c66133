package db

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConcurrencyConflict is returned when a versioned update lost a race
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrDuplicate is returned when a uniqueness invariant would be violated
	ErrDuplicate = errors.New("duplicate record")
)

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
