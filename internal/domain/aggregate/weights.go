package aggregate

import (
	"fmt"
	"math"
	"slices"
)

// Importance weight bounds and the default applied to unmapped keys.
const (
	MinWeight     = 0.3
	MaxWeight     = 1.0
	DefaultWeight = 0.5
)

// Weights maps topic and subject keys to importance weights. Keys without an
// entry get Default rather than being dropped from the average.
type Weights struct {
	Topics   map[string]float64 `koanf:"topics"`
	Subjects map[string]float64 `koanf:"subjects"`
	Default  float64            `koanf:"default"`
}

// DefaultWeights returns an empty table that weights everything at DefaultWeight.
func DefaultWeights() Weights {
	return Weights{Topics: map[string]float64{}, Subjects: map[string]float64{}, Default: DefaultWeight}
}

// Topic returns the weight for a topic key.
func (w Weights) Topic(key string) float64 {
	if v, ok := w.Topics[key]; ok {
		return v
	}
	return w.fallback()
}

// Subject returns the weight for a subject key.
func (w Weights) Subject(key string) float64 {
	if v, ok := w.Subjects[key]; ok {
		return v
	}
	return w.fallback()
}

func (w Weights) fallback() float64 {
	if w.Default == 0 {
		return DefaultWeight
	}
	return w.Default
}

// Validate checks every weight lies in [MinWeight, MaxWeight].
func (w Weights) Validate() error {
	if err := checkWeight("default", w.fallback()); err != nil {
		return err
	}
	for k, v := range w.Topics {
		if err := checkWeight("topic "+k, v); err != nil {
			return err
		}
	}
	for k, v := range w.Subjects {
		if err := checkWeight("subject "+k, v); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a copy that shares no maps with w.
func (w Weights) Clone() Weights {
	out := Weights{Topics: make(map[string]float64, len(w.Topics)), Subjects: make(map[string]float64, len(w.Subjects)), Default: w.Default}
	for k, v := range w.Topics {
		out.Topics[k] = v
	}
	for k, v := range w.Subjects {
		out.Subjects[k] = v
	}
	return out
}

// Canonical returns a copy of w keyed the way t keys topics and subjects:
// topic keys go through t.Canonical, subject keys are trimmed and lowercased.
// When two keys collapse onto one canonical key the first in sorted order is
// kept and ErrInvalidWeight is returned alongside the table.
func (w Weights) Canonical(t *Taxonomy) (Weights, error) {
	if t == nil {
		t = EmptyTaxonomy()
	}
	out := Weights{Topics: make(map[string]float64, len(w.Topics)), Subjects: make(map[string]float64, len(w.Subjects)), Default: w.Default}
	var errs []error
	fold := func(kind string, in, dst map[string]float64, canon func(string) string) {
		keys := make([]string, 0, len(in))
		for k := range in {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		seen := make(map[string]string, len(keys))
		for _, k := range keys {
			c := canon(k)
			if prev, dup := seen[c]; dup {
				errs = append(errs, fmt.Errorf("%w: %s keys %q and %q both map to %q", ErrInvalidWeight, kind, prev, k, c))
				continue
			}
			seen[c] = k
			dst[c] = in[k]
		}
	}
	fold("topic", w.Topics, out.Topics, t.Canonical)
	fold("subject", w.Subjects, out.Subjects, normalize)
	if len(errs) > 0 {
		return out, errs[0]
	}
	return out, nil
}

func checkWeight(name string, v float64) error {
	if math.IsNaN(v) || v < MinWeight || v > MaxWeight {
		return fmt.Errorf("%w: %s=%v outside [%v,%v]", ErrInvalidWeight, name, v, MinWeight, MaxWeight)
	}
	return nil
}
