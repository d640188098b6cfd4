package scoring

// Option configures an Engine.
type Option func(*Engine)

// WithMarkingScheme sets the marks per outcome.
func WithMarkingScheme(m MarkingScheme) Option {
	return func(e *Engine) {
		e.scheme = m
	}
}

// WithNumericTolerance sets the absolute tolerance for numeric answers.
func WithNumericTolerance(tol float64) Option {
	return func(e *Engine) {
		if tol >= 0 {
			e.tolerance = tol
		}
	}
}

// WithScoreTable sets the table used to attach a percentile to each result.
func WithScoreTable(t *ScoreTable) Option {
	return func(e *Engine) {
		e.table = t
	}
}
