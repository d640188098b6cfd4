package simulate

import (
	"fmt"
	"runtime"
	"time"
)

// Config holds the shape of a simulation run.
type Config struct {
	Students int // simulated students
	// Topics the students practise, cycled through question by question.
	Topics        []string
	ItemsPerTopic int    // generated items per topic
	Questions     int    // questions answered by each student
	Workers       int    // students simulated concurrently
	Seed          uint64 // source of every random draw
	Timeout       time.Duration
}

// DefaultConfig returns a small run over two topics.
func DefaultConfig() Config {
	return Config{
		Students:      100,
		Topics:        []string{"kinematics", "algebra"},
		ItemsPerTopic: 60,
		Questions:     40,
		Workers:       runtime.NumCPU() * 2,
		Seed:          1,
		Timeout:       5 * time.Minute,
	}
}

// Validate rejects configs that cannot produce an estimate.
func (c Config) Validate() error {
	switch {
	case c.Students < 2:
		return fmt.Errorf("%w: at least two students are needed for a correlation", ErrInvalidConfig)
	case len(c.Topics) == 0:
		return fmt.Errorf("%w: no topics", ErrInvalidConfig)
	case c.ItemsPerTopic < 1:
		return fmt.Errorf("%w: items_per_topic must be positive", ErrInvalidConfig)
	case c.Questions < 1:
		return fmt.Errorf("%w: questions must be positive", ErrInvalidConfig)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	for _, t := range c.Topics {
		if t == "" {
			return fmt.Errorf("%w: empty topic key", ErrInvalidConfig)
		}
	}
	return nil
}

// Report summarises a run.
type Report struct {
	Students   int `json:"students"`
	Items      int `json:"items"`
	Responses  int `json:"responses"`
	Duplicates int `json:"duplicates"`
	Fallbacks  int `json:"fallbacks"`
	Failures   int `json:"failures"`
	// RMSE and Correlation compare each student's overall estimate with the
	// ability the answers were drawn from.
	RMSE            float64       `json:"rmse"`
	Correlation     float64       `json:"correlation"`
	MeanStandardErr float64       `json:"mean_standard_error"`
	Duration        time.Duration `json:"duration_ns"`
}
