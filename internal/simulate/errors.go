package simulate

import "errors"

var (
	// ErrInvalidConfig is returned for a Config that cannot be run.
	ErrInvalidConfig = errors.New("invalid simulation config")

	// ErrRemote wraps a non-success status answered by the HTTP API.
	ErrRemote = errors.New("remote request failed")
)
