package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"github.com/okian/irtengine/internal/adapters/mq/queue"
	"github.com/okian/irtengine/internal/adapters/repository"
	"github.com/okian/irtengine/internal/domain/ability"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/internal/domain/percentile"
	"github.com/okian/irtengine/pkg/logger"
	"github.com/okian/irtengine/pkg/metrics"
)

const enqueueRetryDelay = 10 * time.Millisecond

// Failure is one student a recompute run could not process.
type Failure struct {
	StudentID string `json:"student_id"`
	Error     string `json:"error"`
}

// Report summarises a recompute run.
type Report struct {
	RunID     string    `json:"run_id"`
	Requested int       `json:"requested"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
	// Overall percentile statistics over the students that were processed.
	MeanOverallPercentile   float64       `json:"mean_overall_percentile"`
	MedianOverallPercentile float64       `json:"median_overall_percentile"`
	Duration                time.Duration `json:"duration_ns"`
}

// run collects the outcomes of one Recompute call as workers report them.
type run struct {
	wg sync.WaitGroup

	mu          sync.Mutex
	percentiles []float64
	failures    []Failure
}

func (r *run) finish(studentID string, pct float64, err error) {
	r.mu.Lock()
	if err != nil {
		r.failures = append(r.failures, Failure{StudentID: studentID, Error: err.Error()})
	} else {
		r.percentiles = append(r.percentiles, pct)
	}
	r.mu.Unlock()
	r.wg.Done()
}

// Recompute re-derives the estimates of the given students, or of every
// student with stored estimates when studentIDs is empty. Each student is
// processed independently on the worker pool; a failure is logged and
// reported without stopping the run. With replay set, topic estimates are
// rebuilt from the response history instead of being taken as stored.
func (s *Service) Recompute(ctx context.Context, studentIDs []string, replay bool) (Report, error) {
	s.mu.RLock()
	started, q := s.started, s.queue
	s.mu.RUnlock()
	if !started {
		return Report{}, ErrNotStarted
	}

	begin := time.Now()
	ids := slices.Clone(studentIDs)
	if len(ids) == 0 {
		var err error
		if ids, err = s.store.Students(ctx); err != nil {
			return Report{}, fmt.Errorf("list students: %w", err)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	runID := uuid.NewString()
	r := &run{}
	s.runs.Store(runID, r)
	defer s.runs.Delete(runID)

	s.logger.Info(ctx, "recompute started",
		logger.String("run_id", runID), logger.Int("students", len(ids)), logger.Bool("replay", replay))

	for _, id := range ids {
		r.wg.Add(1)
		if err := s.enqueue(ctx, q, queue.Job{RunID: runID, StudentID: id, Replay: replay}); err != nil {
			r.finish(id, 0, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return Report{}, fmt.Errorf("recompute %s: %w", runID, ctx.Err())
	}

	report := Report{
		RunID:     runID,
		Requested: len(ids),
		Processed: len(r.percentiles),
		Failed:    len(r.failures),
		Failures:  r.failures,
		Duration:  time.Since(begin),
	}
	slices.SortFunc(report.Failures, func(a, b Failure) int { return strings.Compare(a.StudentID, b.StudentID) })
	if len(r.percentiles) > 0 {
		data := stats.Float64Data(r.percentiles)
		mean, _ := data.Mean()
		median, _ := data.Median()
		report.MeanOverallPercentile = percentile.Round2(mean)
		report.MedianOverallPercentile = percentile.Round2(median)
	}

	s.logger.Info(ctx, "recompute finished",
		logger.String("run_id", runID),
		logger.Int("processed", report.Processed),
		logger.Int("failed", report.Failed),
		logger.Duration("duration", report.Duration))
	return report, nil
}

// enqueue retries while the queue is full.
func (s *Service) enqueue(ctx context.Context, q queue.Queue, job queue.Job) error {
	for !q.Enqueue(ctx, job) {
		if q.IsClosed() {
			return ErrNotStarted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(enqueueRetryDelay):
		}
	}
	return nil
}

// processJob is the worker pool's processor.
func (s *Service) processJob(ctx context.Context, job queue.Job) error {
	start := time.Now()
	pct, err := s.recomputeStudent(ctx, job.StudentID, job.Replay)

	status := "ok"
	if err != nil {
		status = "failed"
		err = fmt.Errorf("student %s: %w", job.StudentID, err)
	}
	metrics.RecordRecomputeStudent(status, float64(time.Since(start).Microseconds())/1000)

	s.finishJob(job, pct, err)
	return err
}

func (s *Service) finishJob(job queue.Job, pct float64, err error) {
	if v, ok := s.runs.Load(job.RunID); ok {
		v.(*run).finish(job.StudentID, pct, err)
	}
}

// recomputer is the worker pool's processor. Jobs the pool drops at shutdown
// are reported to their run as failures.
type recomputer struct{ s *Service }

func (r recomputer) Process(ctx context.Context, job queue.Job) error {
	return r.s.processJob(ctx, job)
}

func (r recomputer) Discard(ctx context.Context, job queue.Job, reason error) {
	metrics.RecordErrorByComponent("recompute", "discarded")
	r.s.logger.Warn(ctx, "recompute job dropped",
		logger.String("run_id", job.RunID), logger.String("student_id", job.StudentID))
	r.s.finishJob(job, 0, fmt.Errorf("student %s: %w", job.StudentID, reason))
}

// recomputeStudent rolls up one student's estimates and saves them. It
// returns the new overall percentile.
func (s *Service) recomputeStudent(ctx context.Context, studentID string, replay bool) (float64, error) {
	unlock := s.locks.lock(studentID)
	defer unlock()

	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var pct float64
		pct, err = s.recomputeOnce(ctx, studentID, replay)
		if !errors.Is(err, repository.ErrVersionConflict) {
			return pct, err
		}
		metrics.RecordErrorByComponent("store", "version_conflict")
	}
	return 0, err
}

func (s *Service) recomputeOnce(ctx context.Context, studentID string, replay bool) (float64, error) {
	var (
		set model.EstimateSet
		err error
	)
	if replay {
		set, err = s.replaySet(ctx, studentID)
	} else {
		set, err = s.store.LoadEstimates(ctx, studentID)
	}
	if err != nil {
		return 0, err
	}

	rolled, err := s.aggregator.Rollup(ctx, set)
	if err != nil {
		return 0, err
	}
	if err := s.store.SaveEstimates(ctx, rolled); err != nil {
		return 0, err
	}
	return rolled.Overall.Percentile, nil
}

// replaySet rebuilds topic estimates from the student's response history.
func (s *Service) replaySet(ctx context.Context, studentID string) (model.EstimateSet, error) {
	history, err := s.store.Responses(ctx, studentID)
	if err != nil {
		return model.EstimateSet{}, err
	}
	if len(history) == 0 {
		return model.EstimateSet{}, fmt.Errorf("%w: student %s has no responses", repository.ErrNotFound, studentID)
	}

	items := map[string]model.Item{}
	steps := map[string][]ability.Step{}
	last := map[string]time.Time{}
	for _, resp := range history {
		it, ok := items[resp.ItemID]
		if !ok {
			if it, err = s.store.Item(ctx, resp.ItemID); err != nil {
				return model.EstimateSet{}, err
			}
			items[resp.ItemID] = it
		}
		key := s.aggregator.Taxonomy().Canonical(it.TopicKey)
		steps[key] = append(steps[key], ability.Step{Item: it, IsCorrect: resp.IsCorrect})
		last[key] = resp.OccurredAt
	}

	set := model.NewEstimateSet(studentID)
	if stored, err := s.store.LoadEstimates(ctx, studentID); err == nil {
		set.Version = stored.Version
	} else if !errors.Is(err, repository.ErrNotFound) {
		return model.EstimateSet{}, err
	}
	for key, st := range steps {
		est, err := s.estimator.Replay(model.NewTopicEstimate(key), st)
		if err != nil {
			return model.EstimateSet{}, fmt.Errorf("topic %s: %w", key, err)
		}
		est.UpdatedAt = last[key]
		set.Topics[key] = est
	}
	return set, nil
}
