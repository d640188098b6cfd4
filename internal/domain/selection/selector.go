// Package selection picks the next practice item for a student by maximising
// item information at the current ability estimate.
package selection

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/pkg/logger"
)

// Selection defaults.
const (
	DefaultRecencyWindow = 30 * 24 * time.Hour

	// scoreTolerance is the score gap below which two items count as tied.
	scoreTolerance = 1e-12
)

// DefaultThresholds is the difficulty window ladder, tightest first.
func DefaultThresholds() []float64 { return []float64{0.5, 1.0, 1.5} }

// Relaxation names a filter that was loosened to find a candidate.
type Relaxation string

const (
	RelaxRecency   Relaxation = "recency"
	RelaxThreshold Relaxation = "threshold"
)

// RelaxOrder decides which filter gives way first.
type RelaxOrder string

const (
	// RecencyFirst admits recently shown items before leaving the difficulty ladder.
	RecencyFirst RelaxOrder = "recency_first"
	// ThresholdFirst admits any difficulty before repeating a recently shown item.
	ThresholdFirst RelaxOrder = "threshold_first"
)

// Config holds the selector policy.
type Config struct {
	RecencyWindow time.Duration `koanf:"recency_window"`
	Thresholds    []float64     `koanf:"thresholds"`
	RelaxOrder    RelaxOrder    `koanf:"relax_order"`
}

// DefaultConfig returns a 30 day recency window, the 0.5/1.0/1.5 ladder and
// recency-first relaxation.
func DefaultConfig() Config {
	return Config{RecencyWindow: DefaultRecencyWindow, Thresholds: DefaultThresholds(), RelaxOrder: RecencyFirst}
}

// Request carries everything one selection reads.
type Request struct {
	Theta    float64
	TopicKey string
	// Candidates is the item pool; items outside the topic or inactive are ignored.
	Candidates []model.Item
	// RecentlyShown holds ids shown to the student inside the recency window.
	RecentlyShown map[string]struct{}
	// Now anchors the recency window for items carrying LastShownAt.
	Now time.Time
}

// Selection is the chosen item and how it was found.
type Selection struct {
	Item  model.Item
	Score float64
	// Threshold is the difficulty window the item was found in; +Inf once the
	// threshold was relaxed.
	Threshold   float64
	Relaxations []Relaxation
}

// Relaxed reports whether any filter had to be loosened.
func (s Selection) Relaxed() bool { return len(s.Relaxations) > 0 }

// Selector picks items. It keeps no per-call state and is safe for concurrent use.
type Selector struct {
	cfg Config
	log logger.Logger
	now func() time.Time
}

// New returns a Selector with DefaultConfig adjusted by opts.
func New(opts ...Option) *Selector {
	s := &Selector{cfg: DefaultConfig(), log: logger.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the active policy.
func (s *Selector) Config() Config {
	c := s.cfg
	c.Thresholds = slices.Clone(c.Thresholds)
	return c
}

type candidate struct {
	item   model.Item
	score  float64
	recent bool
}

type stage struct {
	relaxed       []Relaxation
	includeRecent bool
	thresholds    []float64
}

// SelectNext returns the most informative item for req.
//
// Candidates are restricted to the topic and to active items, then items shown
// within the recency window are set aside. The remaining items are scored by
// FisherInformation·a inside a difficulty window |b-theta| <= t, walking the
// threshold ladder tightest first. The highest score wins and ties go to the
// lowest item id. When nothing qualifies the recency filter and then the
// difficulty threshold are relaxed (or the reverse, per RelaxOrder), each step
// being logged and recorded in Selection.Relaxations. ErrNoCandidate is
// returned when even that finds nothing.
func (s *Selector) SelectNext(ctx context.Context, req Request) (Selection, error) {
	if math.IsNaN(req.Theta) || req.Theta < model.MinTheta || req.Theta > model.MaxTheta {
		return Selection{}, fmt.Errorf("%w: theta %v outside [%v,%v]", irt.ErrInvalidParameter, req.Theta, model.MinTheta, model.MaxTheta)
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	pool := s.score(ctx, req, now)
	if len(pool) == 0 {
		return Selection{}, fmt.Errorf("%w: topic %q has no active items", ErrNoCandidate, req.TopicKey)
	}

	for _, st := range s.stages() {
		if len(st.relaxed) > 0 {
			step := st.relaxed[len(st.relaxed)-1]
			s.log.Warn(ctx, "relaxing item selection filter",
				logger.String("topic", req.TopicKey),
				logger.String("step", string(step)),
				logger.Float64("theta", req.Theta),
				logger.Int("pool", len(pool)))
		}
		for _, t := range st.thresholds {
			best, ok := pick(pool, req.Theta, t, st.includeRecent)
			if !ok {
				continue
			}
			return Selection{
				Item:        best.item,
				Score:       best.score,
				Threshold:   t,
				Relaxations: slices.Clone(st.relaxed),
			}, nil
		}
	}
	s.log.Warn(ctx, "no candidate after every relaxation",
		logger.String("topic", req.TopicKey), logger.Int("pool", len(pool)))
	return Selection{}, fmt.Errorf("%w: topic %q", ErrNoCandidate, req.TopicKey)
}

// stages lists the filter combinations in the order they are tried.
func (s *Selector) stages() []stage {
	ladder := s.cfg.Thresholds
	open := append(slices.Clone(ladder), math.Inf(1))

	if s.cfg.RelaxOrder == ThresholdFirst {
		return []stage{
			{thresholds: ladder},
			{relaxed: []Relaxation{RelaxThreshold}, thresholds: open},
			{relaxed: []Relaxation{RelaxThreshold, RelaxRecency}, includeRecent: true, thresholds: open},
		}
	}
	return []stage{
		{thresholds: ladder},
		{relaxed: []Relaxation{RelaxRecency}, includeRecent: true, thresholds: ladder},
		{relaxed: []Relaxation{RelaxRecency, RelaxThreshold}, includeRecent: true, thresholds: open},
	}
}

// score filters req.Candidates to valid active items of the topic and computes
// their selection score once. Items with parameters the model rejects are
// skipped and logged.
func (s *Selector) score(ctx context.Context, req Request, now time.Time) []candidate {
	topic := strings.TrimSpace(req.TopicKey)
	out := make([]candidate, 0, len(req.Candidates))
	for _, it := range req.Candidates {
		if !it.Active || (topic != "" && !strings.EqualFold(strings.TrimSpace(it.TopicKey), topic)) {
			continue
		}
		info, err := it.Information(req.Theta)
		if err != nil {
			s.log.Warn(ctx, "skipping item with invalid parameters",
				logger.String("item_id", it.ID), logger.Error(err))
			continue
		}
		out = append(out, candidate{
			item:   it,
			score:  info * it.Discrimination,
			recent: s.isRecent(it, req.RecentlyShown, now),
		})
	}
	slices.SortFunc(out, func(a, b candidate) int { return strings.Compare(a.item.ID, b.item.ID) })
	return out
}

func (s *Selector) isRecent(it model.Item, shown map[string]struct{}, now time.Time) bool {
	if _, ok := shown[it.ID]; ok {
		return true
	}
	return !it.LastShownAt.IsZero() && now.Sub(it.LastShownAt) < s.cfg.RecencyWindow
}

// pick returns the best candidate within threshold t. pool is sorted by id, so
// keeping the first of any near-equal scores breaks ties by lowest id.
func pick(pool []candidate, theta, t float64, includeRecent bool) (candidate, bool) {
	var (
		best  candidate
		found bool
	)
	for _, c := range pool {
		if c.recent && !includeRecent {
			continue
		}
		if math.Abs(c.item.Difficulty-theta) > t {
			continue
		}
		if !found || c.score > best.score+scoreTolerance {
			best, found = c, true
		}
	}
	return best, found
}

// LeastRecentlyUsed picks the active item shown longest ago, never-shown items
// first, ties by lowest id. It is the fallback when SelectNext finds nothing.
func LeastRecentlyUsed(items []model.Item) (model.Item, error) {
	var (
		best  model.Item
		found bool
	)
	for _, it := range items {
		if !it.Active {
			continue
		}
		if !found || lessRecent(it, best) {
			best, found = it, true
		}
	}
	if !found {
		return model.Item{}, fmt.Errorf("%w: fallback pool is empty", ErrNoCandidate)
	}
	return best, nil
}

func lessRecent(a, b model.Item) bool {
	if !a.LastShownAt.Equal(b.LastShownAt) {
		return a.LastShownAt.Before(b.LastShownAt)
	}
	return a.ID < b.ID
}

func normalizeLadder(ladder []float64) []float64 {
	out := make([]float64, 0, len(ladder))
	for _, t := range ladder {
		if t > 0 && !math.IsNaN(t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}
