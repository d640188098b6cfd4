package repository

import "errors"

// Sentinel kinds for repository errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateResponse = errors.New("response already stored")
	ErrUnknownDriver     = errors.New("unknown store driver")
	// ErrVersionConflict is returned when an estimate set was written by
	// someone else since it was loaded. Nothing is written.
	ErrVersionConflict = errors.New("estimate set changed since it was loaded")
)
