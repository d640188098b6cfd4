// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - New returns a Config holding every default.
//   - Load layers a YAML file and environment variables on top of New.
//   - The loaded Config is validated once and treated as immutable afterwards;
//     components receive the pieces they need through their constructors.
package config

import (
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/okian/irtengine/internal/domain/ability"
	"github.com/okian/irtengine/internal/domain/aggregate"
	"github.com/okian/irtengine/internal/domain/scoring"
	"github.com/okian/irtengine/internal/domain/selection"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// WorkerCount sets the number of batch recompute workers.
	WorkerCount int `koanf:"worker_count"`

	// QueueSize bounds the recompute job queue.
	QueueSize int `koanf:"queue_size"`

	Store     StoreConfig              `koanf:"store"`
	Dedupe    DedupeConfig             `koanf:"dedupe"`
	Estimator ability.Config           `koanf:"estimator"`
	Selector  selection.Config         `koanf:"selector"`
	Weights   aggregate.Weights        `koanf:"weights"`
	Taxonomy  aggregate.TaxonomyConfig `koanf:"taxonomy"`
	Scoring   ScoringConfig            `koanf:"scoring"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// DedupeConfig selects where applied response ids are remembered.
type DedupeConfig struct {
	// Backend is memory or redis.
	Backend   string        `koanf:"backend"`
	Size      int           `koanf:"size"`
	RedisAddr string        `koanf:"redis_addr"`
	KeyPrefix string        `koanf:"key_prefix"`
	TTL       time.Duration `koanf:"ttl"`
}

// ScoringConfig holds the test marking scheme and score table.
type ScoringConfig struct {
	Correct          float64         `koanf:"correct"`
	Incorrect        float64         `koanf:"incorrect"`
	Unattempted      float64         `koanf:"unattempted"`
	NumericTolerance float64         `koanf:"numeric_tolerance"`
	PercentileTable  []scoring.Entry `koanf:"percentile_table"`
}

// MarkingScheme returns the scheme as the scoring engine takes it.
func (s ScoringConfig) MarkingScheme() scoring.MarkingScheme {
	return scoring.MarkingScheme{Correct: s.Correct, Incorrect: s.Incorrect, Unattempted: s.Unattempted}
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "text",
		Addr:           ":9080",
		RequestTimeout: 10 * time.Second,
		WorkerCount:    runtime.NumCPU(),
		QueueSize:      10_000,
		Store:          StoreConfig{Driver: "memory"},
		Dedupe: DedupeConfig{
			Backend:   "memory",
			Size:      500_000,
			KeyPrefix: "irt:response:",
			TTL:       7 * 24 * time.Hour,
		},
		Estimator: ability.DefaultConfig(),
		Selector:  selection.DefaultConfig(),
		Weights:   aggregate.DefaultWeights(),
		Taxonomy:  aggregate.TaxonomyConfig{},
		Scoring: ScoringConfig{
			Correct:          scoring.DefaultCorrectMarks,
			Incorrect:        scoring.DefaultIncorrectMarks,
			Unattempted:      scoring.DefaultUnattemptedMarks,
			NumericTolerance: scoring.DefaultNumericTolerance,
		},
	}
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Addr == "" {
		add("addr must not be empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		add("log_format %q is not text or json", c.LogFormat)
	}
	if c.WorkerCount < 1 {
		add("worker_count must be at least 1")
	}
	if c.QueueSize < 1 {
		add("queue_size must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		add("request_timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		add("store.driver %q is not memory, sqlite or postgres", c.Store.Driver)
	}

	switch c.Dedupe.Backend {
	case "memory":
	case "redis":
		if c.Dedupe.RedisAddr == "" {
			add("dedupe.redis_addr is required for the redis backend")
		}
	default:
		add("dedupe.backend %q is not memory or redis", c.Dedupe.Backend)
	}

	if err := c.Estimator.Validate(); err != nil {
		add("estimator: %v", err)
	}
	if c.Selector.RecencyWindow <= 0 {
		add("selector.recency_window must be positive")
	}
	if len(c.Selector.Thresholds) == 0 {
		add("selector.thresholds must not be empty")
	}
	for _, t := range c.Selector.Thresholds {
		if !(t > 0) {
			add("selector.thresholds must be positive, got %v", t)
		}
	}
	switch c.Selector.RelaxOrder {
	case selection.RecencyFirst, selection.ThresholdFirst:
	default:
		add("selector.relax_order %q is not %s or %s", c.Selector.RelaxOrder, selection.RecencyFirst, selection.ThresholdFirst)
	}
	if err := c.Weights.Validate(); err != nil {
		add("weights: %v", err)
	}
	if tax, err := aggregate.NewTaxonomy(c.Taxonomy); err != nil {
		add("taxonomy: %v", err)
	} else if _, err := c.Weights.Canonical(tax); err != nil {
		add("weights: %v", err)
	}
	for name, v := range map[string]float64{"correct": c.Scoring.Correct, "incorrect": c.Scoring.Incorrect, "unattempted": c.Scoring.Unattempted} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			add("scoring.%s must be finite, got %v", name, v)
		}
	}
	if c.Scoring.NumericTolerance < 0 {
		add("scoring.numeric_tolerance must not be negative")
	}
	if len(c.Scoring.PercentileTable) > 0 {
		if _, err := scoring.NewScoreTable(c.Scoring.PercentileTable); err != nil {
			add("scoring.percentile_table: %v", err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
