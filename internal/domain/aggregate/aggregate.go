// Package aggregate rolls topic ability estimates up into subject and overall
// estimates and resolves legacy and broad topic keys.
package aggregate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/internal/domain/percentile"
	"github.com/okian/irtengine/pkg/logger"
)

// AggregateSubject averages topic estimates into the estimate for subjectKey:
//
//	theta = Σ(w·theta) / Σw
//
// with w taken from weights.Topic. The result is tagged Derived and lists its
// topic keys in Sources.
func AggregateSubject(subjectKey string, topics []model.AbilityEstimate, weights Weights) (model.AbilityEstimate, error) {
	return combine(model.ScopeSubject, subjectKey, model.ScopeTopic, topics, weights.Topic)
}

// AggregateOverall averages subject estimates with weights.Subject.
func AggregateOverall(subjects []model.AbilityEstimate, weights Weights) (model.AbilityEstimate, error) {
	return combine(model.ScopeOverall, model.OverallKey, model.ScopeSubject, subjects, weights.Subject)
}

// combine computes the weight-normalised mean of children. Standard error is
// the weighted mean of child errors, counts are summed and UpdatedAt is the
// latest child timestamp.
func combine(scope model.Scope, key string, childScope model.Scope, children []model.AbilityEstimate, weightOf func(string) float64) (model.AbilityEstimate, error) {
	if len(children) == 0 {
		return model.AbilityEstimate{}, fmt.Errorf("%w: %s %q has no children", ErrStaleEstimate, scope, key)
	}

	var (
		sumW, sumTheta, sumSE float64
		attempts, correct     int
		updated               time.Time
		sources               = make([]string, 0, len(children))
	)
	for _, c := range children {
		if c.Scope != childScope {
			return model.AbilityEstimate{}, fmt.Errorf("%w: %s %q got %s child %q", ErrStaleEstimate, scope, key, c.Scope, c.Key)
		}
		if !inRange(c.Theta, model.MinTheta, model.MaxTheta) || !isFinite(c.StandardError) {
			return model.AbilityEstimate{}, fmt.Errorf("%w: child %q has theta=%v se=%v", ErrStaleEstimate, c.Key, c.Theta, c.StandardError)
		}
		w := weightOf(c.Key)
		if !isFinite(w) || w <= 0 {
			return model.AbilityEstimate{}, fmt.Errorf("%w: child %q has weight %v", ErrStaleEstimate, c.Key, w)
		}
		sumW += w
		sumTheta += w * c.Theta
		sumSE += w * c.StandardError
		attempts += c.AttemptCount
		correct += c.CorrectCount
		if c.UpdatedAt.After(updated) {
			updated = c.UpdatedAt
		}
		sources = append(sources, c.Key)
	}
	if !(sumW > 0) || !isFinite(sumW) {
		return model.AbilityEstimate{}, fmt.Errorf("%w: weight total %v for %s %q", ErrStaleEstimate, sumW, scope, key)
	}
	slices.Sort(sources)

	theta := clamp(sumTheta/sumW, model.MinTheta, model.MaxTheta)
	return model.AbilityEstimate{
		Scope:         scope,
		Key:           key,
		Theta:         theta,
		StandardError: clamp(sumSE/sumW, model.MinStandardError, model.MaxStandardError),
		AttemptCount:  attempts,
		CorrectCount:  correct,
		Percentile:    percentile.ToPercentile(theta),
		Derived:       true,
		Sources:       sources,
		UpdatedAt:     updated,
	}, nil
}

// Aggregator applies a fixed taxonomy and weight table to estimate sets.
// It holds no mutable state and is safe for concurrent use.
type Aggregator struct {
	taxonomy *Taxonomy
	weights  Weights
	log      logger.Logger
}

// New returns an Aggregator. Without options it uses an empty taxonomy and
// default weights.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		taxonomy: EmptyTaxonomy(),
		weights:  DefaultWeights(),
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	weights, err := a.weights.Canonical(a.taxonomy)
	if err != nil {
		a.log.Warn(context.Background(), "weight keys collide after canonicalisation", logger.Error(err))
	}
	a.weights = weights
	return a
}

// Taxonomy returns the taxonomy used for key normalisation.
func (a *Aggregator) Taxonomy() *Taxonomy { return a.taxonomy }

// Weights returns the importance weight table.
func (a *Aggregator) Weights() Weights { return a.weights }

// MergeTopics folds legacy topic keys into their canonical key. When both a
// legacy and a canonical estimate exist they count as one topic: theta is the
// attempt-weighted mean, counts are summed and the smaller standard error wins.
func (a *Aggregator) MergeTopics(ctx context.Context, topics map[string]model.AbilityEstimate) (map[string]model.AbilityEstimate, error) {
	out := make(map[string]model.AbilityEstimate, len(topics))
	keys := make([]string, 0, len(topics))
	for k := range topics {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		est := topics[k]
		if est.Scope != model.ScopeTopic {
			return nil, fmt.Errorf("%w: %s estimate %q stored as topic", ErrStaleEstimate, est.Scope, k)
		}
		canonical := a.taxonomy.Canonical(k)
		est.Key = canonical
		prev, seen := out[canonical]
		if !seen {
			out[canonical] = est
			continue
		}
		a.log.Debug(ctx, "merging legacy topic estimate",
			logger.String("legacy", k), logger.String("canonical", canonical))
		out[canonical] = mergeTopic(prev, est)
	}
	return out, nil
}

func mergeTopic(x, y model.AbilityEstimate) model.AbilityEstimate {
	n := x.AttemptCount + y.AttemptCount
	theta := (x.Theta + y.Theta) / 2
	if n > 0 {
		theta = (x.Theta*float64(x.AttemptCount) + y.Theta*float64(y.AttemptCount)) / float64(n)
	}
	merged := x
	merged.Theta = clamp(theta, model.MinTheta, model.MaxTheta)
	merged.StandardError = math.Min(x.StandardError, y.StandardError)
	merged.AttemptCount = n
	merged.CorrectCount = x.CorrectCount + y.CorrectCount
	merged.Percentile = percentile.ToPercentile(merged.Theta)
	if y.UpdatedAt.After(x.UpdatedAt) {
		merged.UpdatedAt = y.UpdatedAt
	}
	return merged
}

// Rollup returns a new set whose topics are merged under canonical keys with
// fresh percentiles, and whose subject and overall estimates are recomputed
// from those topics. set is not modified.
func (a *Aggregator) Rollup(ctx context.Context, set model.EstimateSet) (model.EstimateSet, error) {
	topics, err := a.MergeTopics(ctx, set.Topics)
	if err != nil {
		return set, err
	}

	out := model.NewEstimateSet(set.StudentID)
	out.Version = set.Version
	bySubject := map[string][]model.AbilityEstimate{}
	for k, est := range topics {
		est.Percentile = percentile.ToPercentile(est.Theta)
		out.Topics[k] = est
		subject := a.taxonomy.SubjectOf(k)
		bySubject[subject] = append(bySubject[subject], est)
	}
	if len(bySubject) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(bySubject))
	for key := range bySubject {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	subjects := make([]model.AbilityEstimate, 0, len(bySubject))
	for _, key := range keys {
		children := bySubject[key]
		slices.SortFunc(children, func(x, y model.AbilityEstimate) int { return strings.Compare(x.Key, y.Key) })
		s, err := AggregateSubject(key, children, a.weights)
		if err != nil {
			return set, fmt.Errorf("subject %s: %w", key, err)
		}
		out.Subjects[key] = s
		subjects = append(subjects, s)
	}
	overall, err := AggregateOverall(subjects, a.weights)
	if err != nil {
		return set, fmt.Errorf("overall: %w", err)
	}
	out.Overall = overall
	return out, nil
}

// ResolveTopic returns the estimate for key along with how it was resolved.
// A direct key returns the stored topic estimate, or a fresh one if the student
// has not touched it. A broad key returns an estimate derived from the specific
// topics it covers, tagged Derived with the contributing keys in Sources.
func (a *Aggregator) ResolveTopic(ctx context.Context, set model.EstimateSet, key string) (model.AbilityEstimate, Resolution, error) {
	topics, err := a.MergeTopics(ctx, set.Topics)
	if err != nil {
		return model.AbilityEstimate{}, nil, err
	}

	res := a.taxonomy.Resolve(key)
	switch r := res.(type) {
	case Direct:
		est, ok := topics[r.Key]
		if !ok {
			est = model.NewTopicEstimate(r.Key)
		}
		est.Percentile = percentile.ToPercentile(est.Theta)
		return est, r, nil
	case Derived:
		children := make([]model.AbilityEstimate, 0, len(r.To))
		for _, k := range r.To {
			if est, ok := topics[k]; ok {
				children = append(children, est)
			}
		}
		if len(children) == 0 {
			est := model.NewTopicEstimate(r.From)
			est.Derived = true
			return est, r, nil
		}
		est, err := combine(model.ScopeTopic, r.From, model.ScopeTopic, children, a.weights.Topic)
		if err != nil {
			return model.AbilityEstimate{}, nil, err
		}
		a.log.Debug(ctx, "derived broad topic estimate",
			logger.String("broad", r.From), logger.Strings("from", est.Sources))
		return est, r, nil
	default:
		panic(fmt.Sprintf("aggregate: unhandled resolution %T", res))
	}
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func inRange(x, lo, hi float64) bool {
	return x >= lo && x <= hi
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
