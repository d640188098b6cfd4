package scoring

import (
	"fmt"
	"math"
	"slices"

	"github.com/okian/irtengine/internal/domain/percentile"
)

// Entry is one point of a score table.
type Entry struct {
	Score      float64 `json:"score" koanf:"score"`
	Percentile float64 `json:"percentile" koanf:"percentile"`
}

// ScoreTable maps raw marks to a percentile. Between two entries the
// percentile is interpolated linearly; outside the table it is clamped to the
// first or last entry. Interpolating a non-decreasing table keeps Lookup
// non-decreasing.
type ScoreTable struct {
	entries []Entry
}

// NewScoreTable sorts entries by score and checks the table is usable:
// at least one entry, distinct finite scores, percentiles in [0,100] that
// never fall as the score rises.
func NewScoreTable(entries []Entry) (*ScoreTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: table is empty", ErrNonMonotonicTable)
	}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int {
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		}
		return 0
	})
	for i, e := range sorted {
		if math.IsNaN(e.Score) || math.IsInf(e.Score, 0) || math.IsNaN(e.Percentile) || e.Percentile < 0 || e.Percentile > 100 {
			return nil, fmt.Errorf("%w: bad entry %+v", ErrNonMonotonicTable, e)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if e.Score == prev.Score {
			return nil, fmt.Errorf("%w: score %v listed twice", ErrNonMonotonicTable, e.Score)
		}
		if e.Percentile < prev.Percentile {
			return nil, fmt.Errorf("%w: percentile drops from %v to %v at score %v", ErrNonMonotonicTable, prev.Percentile, e.Percentile, e.Score)
		}
	}
	return &ScoreTable{entries: sorted}, nil
}

// Entries returns a copy of the table, sorted by score.
func (t *ScoreTable) Entries() []Entry { return slices.Clone(t.entries) }

// Lookup returns the percentile for totalMarks, rounded to two decimals.
// NaN marks map to the first entry.
func (t *ScoreTable) Lookup(totalMarks float64) float64 {
	first, last := t.entries[0], t.entries[len(t.entries)-1]
	switch {
	case math.IsNaN(totalMarks), totalMarks <= first.Score:
		return percentile.Round2(first.Percentile)
	case totalMarks >= last.Score:
		return percentile.Round2(last.Percentile)
	}
	i, _ := slices.BinarySearchFunc(t.entries, totalMarks, func(e Entry, x float64) int {
		switch {
		case e.Score < x:
			return -1
		case e.Score > x:
			return 1
		}
		return 0
	})
	hi := t.entries[i]
	if hi.Score == totalMarks {
		return percentile.Round2(hi.Percentile)
	}
	lo := t.entries[i-1]
	frac := (totalMarks - lo.Score) / (hi.Score - lo.Score)
	return percentile.Round2(lo.Percentile + frac*(hi.Percentile-lo.Percentile))
}
