package selection

import "errors"

// ErrNoCandidate is returned when no item survives filtering even after every
// relaxation step. Callers fall back to LeastRecentlyUsed over a wider pool.
var ErrNoCandidate = errors.New("no candidate item")
