// Package model contains the domain types passed between the engine, the
// service layer and the adapters.
package model

import (
	"fmt"
	"time"

	"github.com/okian/irtengine/internal/domain/irt"
)

// Ability and confidence bounds.
const (
	MinTheta         = -3.0
	MaxTheta         = 3.0
	MinStandardError = 0.15
	MaxStandardError = 0.6

	// InitialStandardError is assigned to a topic estimate on its first response.
	InitialStandardError = 0.5
)

// Item parameter bounds enforced when items enter the catalog.
const (
	MinDifficulty     = -3.0
	MaxDifficulty     = 3.0
	MinDiscrimination = 0.5
	MaxDiscrimination = 2.5
	MaxGuessing       = 0.5

	// DefaultMCQGuessing is the guessing floor of a four-option multiple choice item.
	DefaultMCQGuessing = 0.25
)

// Scope is the level of the ability hierarchy an estimate belongs to.
type Scope string

const (
	ScopeTopic   Scope = "topic"
	ScopeSubject Scope = "subject"
	ScopeOverall Scope = "overall"
)

// OverallKey is the key of the single overall estimate.
const OverallKey = "overall"

// AbilityEstimate is a theta estimate with its confidence band.
//
// Topic estimates are mutated by responses. Subject and overall estimates are
// derived from their children and never written independently.
type AbilityEstimate struct {
	Scope         Scope     `json:"scope"`
	Key           string    `json:"key"`
	Theta         float64   `json:"theta"`
	StandardError float64   `json:"standard_error"`
	AttemptCount  int       `json:"attempt_count"`
	CorrectCount  int       `json:"correct_count"`
	Percentile    float64   `json:"percentile"`
	Derived       bool      `json:"derived"`
	Sources       []string  `json:"sources,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewTopicEstimate returns the estimate a topic starts with before its first response.
func NewTopicEstimate(key string) AbilityEstimate {
	return AbilityEstimate{
		Scope:         ScopeTopic,
		Key:           key,
		Theta:         0,
		StandardError: InitialStandardError,
		Percentile:    50,
	}
}

// Accuracy returns the share of correct attempts, or 0 with no attempts.
func (e AbilityEstimate) Accuracy() float64 {
	if e.AttemptCount == 0 {
		return 0
	}
	return float64(e.CorrectCount) / float64(e.AttemptCount)
}

// ItemFormat describes how an item is answered.
type ItemFormat string

const (
	FormatMCQ         ItemFormat = "mcq"
	FormatNumeric     ItemFormat = "numeric"
	FormatMultiSelect ItemFormat = "multi_select"
)

// Item is a calibrated practice or test item.
type Item struct {
	ID             string     `json:"id" db:"id"`
	TopicKey       string     `json:"topic_key" db:"topic_key"`
	SubjectKey     string     `json:"subject_key" db:"subject_key"`
	Difficulty     float64    `json:"difficulty" db:"difficulty"`
	Discrimination float64    `json:"discrimination" db:"discrimination"`
	Guessing       float64    `json:"guessing" db:"guessing"`
	Format         ItemFormat `json:"format" db:"format"`
	OptionCount    int        `json:"option_count" db:"option_count"`
	Answer         string     `json:"answer" db:"answer"`
	Active         bool       `json:"active" db:"active"`
	// LastShownAt is per student and filled in by the service before selection.
	LastShownAt time.Time `json:"last_shown_at,omitzero" db:"-"`
}

// DefaultGuessing returns the guessing floor for an item format: 1/n for
// multiple choice with n options (0.25 for the common four-option case),
// capped at MaxGuessing, and 0 for everything else.
func DefaultGuessing(format ItemFormat, options int) float64 {
	if format != FormatMCQ {
		return 0
	}
	if options <= 0 {
		return DefaultMCQGuessing
	}
	g := 1 / float64(options)
	if g > MaxGuessing {
		return MaxGuessing
	}
	return g
}

// Validate checks the item against the catalog parameter ranges.
func (it Item) Validate() error {
	switch {
	case it.ID == "":
		return fmt.Errorf("%w: item id is empty", irt.ErrInvalidParameter)
	case it.TopicKey == "":
		return fmt.Errorf("%w: item %s has no topic", irt.ErrInvalidParameter, it.ID)
	case !(it.Difficulty >= MinDifficulty && it.Difficulty <= MaxDifficulty):
		return fmt.Errorf("%w: item %s difficulty %v outside [%v,%v]", irt.ErrInvalidParameter, it.ID, it.Difficulty, MinDifficulty, MaxDifficulty)
	case !(it.Discrimination >= MinDiscrimination && it.Discrimination <= MaxDiscrimination):
		return fmt.Errorf("%w: item %s discrimination %v outside [%v,%v]", irt.ErrInvalidParameter, it.ID, it.Discrimination, MinDiscrimination, MaxDiscrimination)
	case !(it.Guessing >= 0 && it.Guessing <= MaxGuessing):
		return fmt.Errorf("%w: item %s guessing %v outside [0,%v]", irt.ErrInvalidParameter, it.ID, it.Guessing, MaxGuessing)
	}
	switch it.Format {
	case FormatMCQ, FormatNumeric, FormatMultiSelect, "":
	default:
		return fmt.Errorf("%w: item %s has unknown format %q", irt.ErrInvalidParameter, it.ID, it.Format)
	}
	return nil
}

// Response is one answered item. Responses are immutable and append-only;
// ID is the idempotency key.
type Response struct {
	ID         string    `json:"id" db:"id"`
	StudentID  string    `json:"student_id" db:"student_id"`
	ItemID     string    `json:"item_id" db:"item_id"`
	IsCorrect  bool      `json:"is_correct" db:"is_correct"`
	OccurredAt time.Time `json:"occurred_at" db:"-"`
}

// EstimateSet is a student's full ability hierarchy. It is persisted as one unit
// so the derived levels never disagree with the topics they came from.
type EstimateSet struct {
	StudentID string                     `json:"student_id"`
	Topics    map[string]AbilityEstimate `json:"topics"`
	Subjects  map[string]AbilityEstimate `json:"subjects"`
	Overall   AbilityEstimate            `json:"overall"`
	// Version counts committed writes of the set. A store accepts a write
	// only when Version matches what it holds, then stores Version+1.
	Version int64 `json:"version"`
}

// NewEstimateSet returns an empty hierarchy for a student.
func NewEstimateSet(studentID string) EstimateSet {
	return EstimateSet{
		StudentID: studentID,
		Topics:    map[string]AbilityEstimate{},
		Subjects:  map[string]AbilityEstimate{},
		Overall: AbilityEstimate{
			Scope:         ScopeOverall,
			Key:           OverallKey,
			StandardError: MaxStandardError,
			Percentile:    50,
			Derived:       true,
		},
	}
}

// Topic returns the topic estimate for key, or a fresh one.
func (s EstimateSet) Topic(key string) AbilityEstimate {
	if est, ok := s.Topics[key]; ok {
		return est
	}
	return NewTopicEstimate(key)
}

// Clone returns a deep copy so callers can mutate without touching s.
func (s EstimateSet) Clone() EstimateSet {
	out := EstimateSet{
		StudentID: s.StudentID,
		Topics:    make(map[string]AbilityEstimate, len(s.Topics)),
		Subjects:  make(map[string]AbilityEstimate, len(s.Subjects)),
		Overall:   s.Overall.clone(),
		Version:   s.Version,
	}
	for k, v := range s.Topics {
		out.Topics[k] = v.clone()
	}
	for k, v := range s.Subjects {
		out.Subjects[k] = v.clone()
	}
	return out
}

func (e AbilityEstimate) clone() AbilityEstimate {
	if e.Sources != nil {
		e.Sources = append([]string(nil), e.Sources...)
	}
	return e
}

// Probability returns the 3PL chance that a learner at theta answers it correctly.
func (it Item) Probability(theta float64) (float64, error) {
	return irt.Probability(theta, it.Discrimination, it.Difficulty, it.Guessing)
}

// Information returns the Fisher information of it at theta.
func (it Item) Information(theta float64) (float64, error) {
	return irt.FisherInformation(theta, it.Discrimination, it.Difficulty, it.Guessing)
}
