package irt

import "errors"

// ErrInvalidParameter marks an item or estimate carrying an out-of-range
// parameter. Retrying the same input cannot succeed.
var ErrInvalidParameter = errors.New("invalid parameter")
