package aggregate

import "github.com/okian/irtengine/pkg/logger"

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTaxonomy sets the topic taxonomy.
func WithTaxonomy(t *Taxonomy) Option {
	return func(a *Aggregator) {
		if t != nil {
			a.taxonomy = t
		}
	}
}

// WithWeights sets the importance weight table. The table is copied and its
// keys are canonicalised against the taxonomy when the Aggregator is built.
func WithWeights(w Weights) Option {
	return func(a *Aggregator) {
		a.weights = w.Clone()
	}
}

// WithLogger sets the logger used for merge and derivation traces.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}
