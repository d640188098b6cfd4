package scoring

import "errors"

var (
	// ErrNonMonotonicTable is returned when a score table's percentiles fall as scores rise.
	ErrNonMonotonicTable = errors.New("score table is not monotonic")

	// ErrUnknownItem is returned for an answer to an item that is not part of the test.
	ErrUnknownItem = errors.New("answer references unknown item")

	// ErrDuplicateAnswer is returned when one item is answered twice.
	ErrDuplicateAnswer = errors.New("duplicate answer")
)
