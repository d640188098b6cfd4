package service

import "errors"

var (
	// ErrNotStarted is returned by operations that need the recompute pool
	// before Start was called or after Stop.
	ErrNotStarted = errors.New("service not started")
	// ErrBroadTopic is returned when a broad topic key is used where a single
	// topic is required.
	ErrBroadTopic = errors.New("broad topic key")
)
