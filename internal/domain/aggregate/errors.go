package aggregate

import "errors"

var (
	// ErrStaleEstimate is returned when child estimates cannot form a valid
	// weighted average. It points at an upstream data bug and is never defaulted away.
	ErrStaleEstimate = errors.New("stale estimate")

	// ErrInvalidWeight is returned for importance weights outside [MinWeight, MaxWeight].
	ErrInvalidWeight = errors.New("invalid importance weight")

	// ErrInvalidTaxonomy is returned for alias chains or empty broad expansions.
	ErrInvalidTaxonomy = errors.New("invalid taxonomy")
)
