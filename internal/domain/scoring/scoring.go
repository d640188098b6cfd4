// Package scoring marks completed tests under a fixed marking scheme and maps
// raw marks to a percentile.
package scoring

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
)

// Scoring defaults.
const (
	DefaultCorrectMarks     = 4
	DefaultIncorrectMarks   = -1
	DefaultUnattemptedMarks = 0
	DefaultNumericTolerance = 0.01

	// floatSlack absorbs binary representation error at the tolerance edge.
	floatSlack = 1e-9
)

// MarkingScheme is the marks awarded per item outcome.
type MarkingScheme struct {
	Correct     float64 `json:"correct" koanf:"correct"`
	Incorrect   float64 `json:"incorrect" koanf:"incorrect"`
	Unattempted float64 `json:"unattempted" koanf:"unattempted"`
}

// DefaultMarkingScheme returns +4/-1/0.
func DefaultMarkingScheme() MarkingScheme {
	return MarkingScheme{Correct: DefaultCorrectMarks, Incorrect: DefaultIncorrectMarks, Unattempted: DefaultUnattemptedMarks}
}

// Answer is a student's answer to one test item. An empty Value means the
// item was left unattempted.
type Answer struct {
	ItemID string `json:"item_id"`
	Value  string `json:"value"`
}

// Tally counts outcomes and marks for a test or one of its subjects.
type Tally struct {
	TotalMarks  float64 `json:"total_marks"`
	Correct     int     `json:"correct"`
	Incorrect   int     `json:"incorrect"`
	Unattempted int     `json:"unattempted"`
}

// Result is a scored test.
type Result struct {
	Tally
	SubjectBreakdown map[string]Tally `json:"subject_breakdown"`
	// Percentile is set when the engine has a score table.
	Percentile *float64 `json:"percentile,omitempty"`
}

// Engine scores tests. It is immutable after construction.
type Engine struct {
	scheme    MarkingScheme
	tolerance float64
	table     *ScoreTable
}

// New returns an Engine with the default scheme and tolerance and no score table.
func New(opts ...Option) *Engine {
	e := &Engine{scheme: DefaultMarkingScheme(), tolerance: DefaultNumericTolerance}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scheme returns the marking scheme in use.
func (e *Engine) Scheme() MarkingScheme { return e.scheme }

// ScoreTest marks every item of a test. Items without an answer, or with a
// blank one, count as unattempted.
func (e *Engine) ScoreTest(items []model.Item, answers []Answer) (Result, error) {
	byItem := make(map[string]string, len(answers))
	known := make(map[string]struct{}, len(items))
	for _, it := range items {
		known[it.ID] = struct{}{}
	}
	for _, a := range answers {
		if _, ok := known[a.ItemID]; !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownItem, a.ItemID)
		}
		if _, dup := byItem[a.ItemID]; dup {
			return Result{}, fmt.Errorf("%w: %s", ErrDuplicateAnswer, a.ItemID)
		}
		byItem[a.ItemID] = a.Value
	}

	res := Result{SubjectBreakdown: map[string]Tally{}}
	for _, it := range items {
		subject := it.SubjectKey
		if subject == "" {
			subject = "unassigned"
		}
		sub := res.SubjectBreakdown[subject]

		given := strings.TrimSpace(byItem[it.ID])
		switch {
		case given == "":
			res.record(&sub, e.scheme.Unattempted, outcomeUnattempted)
		default:
			ok, err := e.matches(it, given)
			if err != nil {
				return Result{}, err
			}
			if ok {
				res.record(&sub, e.scheme.Correct, outcomeCorrect)
			} else {
				res.record(&sub, e.scheme.Incorrect, outcomeIncorrect)
			}
		}
		res.SubjectBreakdown[subject] = sub
	}

	if e.table != nil {
		p := e.table.Lookup(res.TotalMarks)
		res.Percentile = &p
	}
	return res, nil
}

type outcome int

const (
	outcomeCorrect outcome = iota
	outcomeIncorrect
	outcomeUnattempted
)

func (r *Result) record(sub *Tally, marks float64, o outcome) {
	for _, t := range []*Tally{&r.Tally, sub} {
		t.TotalMarks += marks
		switch o {
		case outcomeCorrect:
			t.Correct++
		case outcomeIncorrect:
			t.Incorrect++
		case outcomeUnattempted:
			t.Unattempted++
		}
	}
}

// matches compares a non-blank answer against the item's canonical answer.
func (e *Engine) matches(it model.Item, given string) (bool, error) {
	switch it.Format {
	case model.FormatNumeric:
		want, err := strconv.ParseFloat(strings.TrimSpace(it.Answer), 64)
		if err != nil {
			return false, fmt.Errorf("%w: item %s has non-numeric answer %q", irt.ErrInvalidParameter, it.ID, it.Answer)
		}
		got, err := strconv.ParseFloat(given, 64)
		if err != nil {
			return false, nil
		}
		return math.Abs(got-want) <= e.tolerance+floatSlack, nil
	case model.FormatMultiSelect:
		return slices.Equal(optionSet(it.Answer), optionSet(given)), nil
	default:
		return strings.EqualFold(strings.TrimSpace(it.Answer), given), nil
	}
}

// optionSet turns "b, A ,c" into [a b c].
func optionSet(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
