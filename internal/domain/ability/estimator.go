// Package ability updates topic-level ability estimates from single responses.
package ability

import (
	"fmt"
	"math"

	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
)

// Default update constants. No calibration source fixes these values; they
// are starting points meant to be tuned per deployment through Config.
const (
	DefaultLearningRate = 0.4
	DefaultDecayFactor  = 0.95
)

// Config holds the update-rule constants.
type Config struct {
	// LearningRate scales how far theta moves per response.
	LearningRate float64 `koanf:"learning_rate"`
	// DecayFactor multiplies the standard error after every response.
	DecayFactor float64 `koanf:"decay_factor"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{LearningRate: DefaultLearningRate, DecayFactor: DefaultDecayFactor}
}

// Validate checks that the constants describe a usable update rule.
func (c Config) Validate() error {
	if !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0) {
		return fmt.Errorf("%w: learning rate %v must be a positive number", irt.ErrInvalidParameter, c.LearningRate)
	}
	if !(c.DecayFactor > 0 && c.DecayFactor <= 1) {
		return fmt.Errorf("%w: decay factor %v must be in (0,1]", irt.ErrInvalidParameter, c.DecayFactor)
	}
	return nil
}

// Estimator applies the gradient-style update
//
//	theta' = clamp(theta + lr·(x - P(theta))·a, -3, 3)
//	se'    = clamp(se·decay, 0.15, 0.6)
//
// where x is 1 for a correct response and 0 otherwise. It holds no mutable
// state and is safe for concurrent use.
type Estimator struct {
	cfg Config
}

// New returns an Estimator for cfg.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{cfg: cfg}, nil
}

// Config returns the constants the estimator was built with.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Update returns est moved by one response to item. est itself is not modified.
//
// A correct response never lowers theta and an incorrect one never raises it.
// The attempt count always grows by one; the correct count only on a correct
// response.
func (e *Estimator) Update(est model.AbilityEstimate, item model.Item, isCorrect bool) (model.AbilityEstimate, error) {
	if err := validateEstimate(est); err != nil {
		return est, err
	}
	p, err := item.Probability(est.Theta)
	if err != nil {
		return est, fmt.Errorf("item %s: %w", item.ID, err)
	}

	x := 0.0
	if isCorrect {
		x = 1
	}

	next := est
	next.Theta = clamp(est.Theta+e.cfg.LearningRate*(x-p)*item.Discrimination, model.MinTheta, model.MaxTheta)
	next.StandardError = clamp(est.StandardError*e.cfg.DecayFactor, model.MinStandardError, model.MaxStandardError)
	next.AttemptCount++
	if isCorrect {
		next.CorrectCount++
	}
	return next, nil
}

// Step is one historical response fed to Replay.
type Step struct {
	Item      model.Item
	IsCorrect bool
}

// Replay folds steps through Update in order, starting from est.
func (e *Estimator) Replay(est model.AbilityEstimate, steps []Step) (model.AbilityEstimate, error) {
	for i, s := range steps {
		next, err := e.Update(est, s.Item, s.IsCorrect)
		if err != nil {
			return est, fmt.Errorf("replay step %d: %w", i, err)
		}
		est = next
	}
	return est, nil
}

func validateEstimate(est model.AbilityEstimate) error {
	switch {
	case est.Scope != model.ScopeTopic:
		return fmt.Errorf("%w: only topic estimates take responses, got %q", irt.ErrInvalidParameter, est.Scope)
	case math.IsNaN(est.Theta) || est.Theta < model.MinTheta || est.Theta > model.MaxTheta:
		return fmt.Errorf("%w: theta %v outside [%v,%v]", irt.ErrInvalidParameter, est.Theta, model.MinTheta, model.MaxTheta)
	case math.IsNaN(est.StandardError):
		return fmt.Errorf("%w: standard error is NaN", irt.ErrInvalidParameter)
	case est.AttemptCount < 0 || est.CorrectCount < 0 || est.CorrectCount > est.AttemptCount:
		return fmt.Errorf("%w: counts %d/%d are inconsistent", irt.ErrInvalidParameter, est.CorrectCount, est.AttemptCount)
	}
	return nil
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
