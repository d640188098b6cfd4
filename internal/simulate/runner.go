// Package simulate drives the engine with synthetic students whose answers
// are drawn from the 3PL model at a known ability, and measures how well the
// estimates recover that ability.
package simulate

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	service "github.com/okian/irtengine/internal/app"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/pkg/logger"
)

// Target is the engine surface a simulation talks to. *service.Service
// satisfies it in process and HTTPTarget over the REST API.
type Target interface {
	UpsertItems(ctx context.Context, items []model.Item) ([]model.Item, error)
	NextItem(ctx context.Context, studentID, topicKey string) (service.NextItemResult, error)
	SubmitResponse(ctx context.Context, resp model.Response) (service.SubmitResult, error)
	Abilities(ctx context.Context, studentID string) (model.EstimateSet, error)
}

// Runner runs one simulation.
type Runner struct {
	target Target
	cfg    Config
	logger logger.Logger
}

// NewRunner validates cfg and returns a Runner against target.
func NewRunner(target Target, cfg Config, opts ...Option) (*Runner, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: nil target", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{target: target, cfg: cfg, logger: logger.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type counters struct {
	responses  atomic.Int64
	duplicates atomic.Int64
	fallbacks  atomic.Int64
	failures   atomic.Int64
	finished   atomic.Int64
}

// Run loads the item bank, lets every student answer its questions and
// compares the resulting overall estimates with the true abilities.
// Individual request failures are counted, not fatal.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	start := time.Now()

	items, err := bank(r.cfg)
	if err != nil {
		return Report{}, err
	}
	if _, err := r.target.UpsertItems(ctx, items); err != nil {
		return Report{}, fmt.Errorf("upsert item bank: %w", err)
	}
	r.logger.Info(ctx, "item bank loaded", logger.Int("items", len(items)), logger.Strings("topics", r.cfg.Topics))

	students := make([]student, r.cfg.Students)
	for i := range students {
		students[i] = newStudent(r.cfg.Seed, i)
	}

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i := range students {
		st := students[i]
		g.Go(func() error {
			if err := r.practise(gctx, st, &c); err != nil {
				return err
			}
			if n := c.finished.Add(1); n%progressEvery == 0 {
				r.logger.Debug(gctx, "progress", logger.Int("students_done", int(n)), logger.Int("students", len(students)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("simulate: %w", err)
	}

	report := Report{
		Students:   len(students),
		Items:      len(items),
		Responses:  int(c.responses.Load()),
		Duplicates: int(c.duplicates.Load()),
		Fallbacks:  int(c.fallbacks.Load()),
		Failures:   int(c.failures.Load()),
	}
	if err := r.measure(ctx, students, &report); err != nil {
		return Report{}, err
	}
	report.Duration = time.Since(start)

	r.logger.Info(ctx, "simulation finished",
		logger.Int("students", report.Students),
		logger.Int("responses", report.Responses),
		logger.Int("failures", report.Failures),
		logger.Float64("rmse", report.RMSE),
		logger.Float64("correlation", report.Correlation),
		logger.Duration("duration", report.Duration))
	return report, nil
}

const progressEvery = 25

// practise runs the question loop of one student.
func (r *Runner) practise(ctx context.Context, st student, c *counters) error {
	for q := range r.cfg.Questions {
		if err := ctx.Err(); err != nil {
			return err
		}
		topic := r.cfg.Topics[q%len(r.cfg.Topics)]

		next, err := r.target.NextItem(ctx, st.id, topic)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failures.Add(1)
			r.logger.Warn(ctx, "next item failed", logger.String("student_id", st.id), logger.String("topic", topic), logger.Error(err))
			continue
		}
		if next.Fallback {
			c.fallbacks.Add(1)
		}

		correct, err := st.answers(next.Item)
		if err != nil {
			c.failures.Add(1)
			r.logger.Warn(ctx, "item cannot be answered", logger.String("item_id", next.Item.ID), logger.Error(err))
			continue
		}
		res, err := r.target.SubmitResponse(ctx, model.Response{
			ID:        st.responseID(q),
			StudentID: st.id,
			ItemID:    next.Item.ID,
			IsCorrect: correct,
		})
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			c.failures.Add(1)
			r.logger.Warn(ctx, "submit failed", logger.String("student_id", st.id), logger.Error(err))
		case res.Duplicate:
			c.duplicates.Add(1)
		default:
			c.responses.Add(1)
		}
	}
	return nil
}

// measure fills the accuracy figures of report from the stored estimates.
func (r *Runner) measure(ctx context.Context, students []student, report *Report) error {
	truth := make(stats.Float64Data, 0, len(students))
	estimate := make(stats.Float64Data, 0, len(students))
	sqErr := make(stats.Float64Data, 0, len(students))
	se := make(stats.Float64Data, 0, len(students))

	for _, st := range students {
		set, err := r.target.Abilities(ctx, st.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.Failures++
			r.logger.Warn(ctx, "abilities unavailable", logger.String("student_id", st.id), logger.Error(err))
			continue
		}
		truth = append(truth, st.theta)
		estimate = append(estimate, set.Overall.Theta)
		sqErr = append(sqErr, (set.Overall.Theta-st.theta)*(set.Overall.Theta-st.theta))
		se = append(se, set.Overall.StandardError)
	}
	if len(truth) < 2 {
		return fmt.Errorf("simulate: only %d students have estimates", len(truth))
	}

	mse, err := sqErr.Mean()
	if err != nil {
		return err
	}
	report.RMSE = math.Sqrt(mse)
	if report.MeanStandardErr, err = se.Mean(); err != nil {
		return err
	}
	if report.Correlation, err = stats.Correlation(estimate, truth); err != nil {
		return fmt.Errorf("correlation: %w", err)
	}
	return nil
}
