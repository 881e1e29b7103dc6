package shared

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a uniqueness constraint was violated.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStoreUnavailable indicates the backing store or cache could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
