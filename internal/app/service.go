// Package service wires the ability engine to storage and exposes the
// operations the HTTP API and the CLI call.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/okian/irtengine/internal/adapters/mq/queue"
	"github.com/okian/irtengine/internal/adapters/mq/worker"
	"github.com/okian/irtengine/internal/adapters/repository"
	"github.com/okian/irtengine/internal/domain/ability"
	"github.com/okian/irtengine/internal/domain/aggregate"
	"github.com/okian/irtengine/internal/domain/dedupe"
	"github.com/okian/irtengine/internal/domain/irt"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/internal/domain/scoring"
	"github.com/okian/irtengine/internal/domain/selection"
	"github.com/okian/irtengine/pkg/logger"
	"github.com/okian/irtengine/pkg/metrics"
)

const (
	lockStripes = 256
	// maxWriteAttempts bounds retries of an estimate write that hit a version conflict.
	maxWriteAttempts = 5
)

// stripedLock serialises read-modify-write per student without a lock per student.
type stripedLock [lockStripes]sync.Mutex

func (l *stripedLock) lock(key string) func() {
	m := &l[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}

// Service implements the operations behind the HTTP API and the CLI.
type Service struct {
	mu sync.RWMutex

	// Core components
	store      repository.Store
	deduper    dedupe.Deduper
	estimator  *ability.Estimator
	aggregator *aggregate.Aggregator
	selector   *selection.Selector
	scorer     *scoring.Engine

	// Recompute pipeline
	queue       *queue.InMemoryQueue
	pool        *worker.Pool
	workerCount int
	queueSize   int
	runs        sync.Map // run id -> *run

	locks stripedLock

	// State
	started   bool
	startedAt time.Time

	now    func() time.Time
	logger logger.Logger
}

// New constructs a Service. Components not supplied through options get
// in-memory or default implementations.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount: runtime.NumCPU(),
		queueSize:   10000,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logger.Discard()
	}
	s.logger = s.logger.Named("service")
	if s.store == nil {
		s.store = repository.NewMemoryStore()
	}
	if s.deduper == nil {
		s.deduper = dedupe.NewMemoryDeduper()
	}
	if s.estimator == nil {
		s.estimator, _ = ability.New(ability.DefaultConfig())
	}
	if s.aggregator == nil {
		s.aggregator = aggregate.New()
	}
	if s.selector == nil {
		s.selector = selection.New()
	}
	if s.scorer == nil {
		s.scorer = scoring.New()
	}
	return s
}

// Start launches the recompute worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.pool = worker.NewPool(s.workerCount, s.queue, recomputer{s},
		worker.WithLogger(s.logger))
	s.pool.Start(ctx)

	s.started = true
	s.startedAt = s.now()
	s.logger.Info(ctx, "ability service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
	)
	return nil
}

// Stop drains the recompute pool and closes the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if s.started {
		if err := s.pool.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, "worker pool shutdown incomplete", logger.Error(err))
		}
		s.started = false
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error(ctx, "closing store failed", logger.Error(err))
	}
	s.logger.Info(ctx, "ability service stopped")
}

// SubmitResult is the outcome of one response submission.
type SubmitResult struct {
	StudentID string `json:"student_id"`
	// Topic is the updated estimate of the item's topic.
	Topic model.AbilityEstimate `json:"topic"`
	// Estimates is the student's full hierarchy after the update.
	Estimates model.EstimateSet `json:"estimates"`
	// Duplicate is true when the response id had already been applied and
	// nothing changed.
	Duplicate bool `json:"duplicate"`
}

// SubmitResponse applies one answered item to the student's topic estimate
// and re-derives the subject and overall estimates. A response id that was
// already applied leaves the estimates untouched and reports Duplicate.
func (s *Service) SubmitResponse(ctx context.Context, resp model.Response) (SubmitResult, error) {
	start := time.Now()
	if err := validateResponse(resp); err != nil {
		metrics.RecordAbilityUpdateError("invalid")
		return SubmitResult{}, err
	}
	if resp.OccurredAt.IsZero() {
		resp.OccurredAt = s.now()
	}

	seen, err := s.deduper.SeenAndRecord(ctx, resp.ID)
	if err != nil {
		metrics.RecordAbilityUpdateError("dedupe")
		return SubmitResult{}, fmt.Errorf("dedupe response %s: %w", resp.ID, err)
	}

	var res SubmitResult
	if seen {
		res, err = s.settleSeen(ctx, resp)
	} else {
		res, err = s.applyResponse(ctx, resp)
		if err != nil && !errors.Is(err, repository.ErrDuplicateResponse) {
			if uerr := s.deduper.Unrecord(ctx, resp.ID); uerr != nil {
				s.logger.Warn(ctx, "failed to unrecord response id",
					logger.String("response_id", resp.ID), logger.Error(uerr))
			}
		}
	}
	if errors.Is(err, repository.ErrDuplicateResponse) {
		return s.duplicate(ctx, resp)
	}
	if err != nil {
		metrics.RecordAbilityUpdateError(errorReason(err))
		return SubmitResult{}, err
	}
	if res.Duplicate {
		return res, nil
	}

	metrics.RecordResponseProcessed()
	metrics.RecordAbilityUpdateLatency(float64(time.Since(start).Microseconds()) / 1000)
	if sz, ok := s.deduper.(dedupe.Sizer); ok {
		metrics.UpdateDedupeSize(sz.Size())
	}
	s.logger.Debug(ctx, "response applied",
		logger.String("student_id", resp.StudentID),
		logger.String("topic", res.Topic.Key),
		logger.Float64("theta", res.Topic.Theta))
	return res, nil
}

func (s *Service) applyResponse(ctx context.Context, resp model.Response) (SubmitResult, error) {
	unlock := s.locks.lock(resp.StudentID)
	defer unlock()
	return s.applyLocked(ctx, resp)
}

// settleSeen answers a response id the deduper already knows. Taking the
// student's lock waits out an in-flight submission of the same id. When that
// submission failed and never stored the response, it is applied here.
func (s *Service) settleSeen(ctx context.Context, resp model.Response) (SubmitResult, error) {
	unlock := s.locks.lock(resp.StudentID)
	defer unlock()

	stored, err := s.store.HasResponse(ctx, resp.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	if stored {
		return s.duplicate(ctx, resp)
	}
	s.logger.Info(ctx, "seen response id was never stored, applying it",
		logger.String("response_id", resp.ID), logger.String("student_id", resp.StudentID))
	return s.applyLocked(ctx, resp)
}

// applyLocked applies resp with the student's lock held. A write that loses
// a version race with another replica is recomputed from the fresh set.
func (s *Service) applyLocked(ctx context.Context, resp model.Response) (SubmitResult, error) {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var res SubmitResult
		res, err = s.applyOnce(ctx, resp)
		if !errors.Is(err, repository.ErrVersionConflict) {
			return res, err
		}
		metrics.RecordErrorByComponent("store", "version_conflict")
		s.logger.Debug(ctx, "estimate set changed underneath, retrying",
			logger.String("student_id", resp.StudentID), logger.Int("attempt", attempt))
	}
	return SubmitResult{}, err
}

func (s *Service) applyOnce(ctx context.Context, resp model.Response) (SubmitResult, error) {
	item, err := s.store.Item(ctx, resp.ItemID)
	if err != nil {
		return SubmitResult{}, err
	}
	set, err := s.loadSet(ctx, resp.StudentID)
	if err != nil {
		return SubmitResult{}, err
	}
	topics, err := s.aggregator.MergeTopics(ctx, set.Topics)
	if err != nil {
		return SubmitResult{}, err
	}

	key, err := s.singleTopic(item.TopicKey)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("item %s: %w", item.ID, err)
	}
	est, ok := topics[key]
	if !ok {
		est = model.NewTopicEstimate(key)
	}
	next, err := s.estimator.Update(est, item, resp.IsCorrect)
	if err != nil {
		return SubmitResult{}, err
	}
	next.UpdatedAt = resp.OccurredAt
	topics[key] = next
	set.Topics = topics

	rolled, err := s.aggregator.Rollup(ctx, set)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := s.store.RecordResponse(ctx, resp, rolled); err != nil {
		return SubmitResult{}, err
	}
	rolled.Version++
	return SubmitResult{StudentID: resp.StudentID, Topic: rolled.Topics[key], Estimates: rolled}, nil
}

// duplicate reports the current estimates for a response that was already applied.
func (s *Service) duplicate(ctx context.Context, resp model.Response) (SubmitResult, error) {
	metrics.RecordResponseDuplicate()
	s.logger.Debug(ctx, "duplicate response skipped",
		logger.String("response_id", resp.ID), logger.String("student_id", resp.StudentID))

	set, err := s.loadSet(ctx, resp.StudentID)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{StudentID: resp.StudentID, Estimates: set, Duplicate: true}
	if item, err := s.store.Item(ctx, resp.ItemID); err == nil {
		key := s.aggregator.Taxonomy().Canonical(item.TopicKey)
		res.Topic = set.Topic(key)
	}
	return res, nil
}

// Abilities returns the student's full estimate hierarchy. A student with no
// responses gets the empty hierarchy.
func (s *Service) Abilities(ctx context.Context, studentID string) (model.EstimateSet, error) {
	if strings.TrimSpace(studentID) == "" {
		return model.EstimateSet{}, fmt.Errorf("%w: student id is empty", irt.ErrInvalidParameter)
	}
	return s.loadSet(ctx, studentID)
}

// ResolveTopic returns the estimate behind a topic key as the student sees it:
// legacy keys answer with their canonical topic, broad keys with an estimate
// derived from the specific topics they cover.
func (s *Service) ResolveTopic(ctx context.Context, studentID, topicKey string) (model.AbilityEstimate, aggregate.Resolution, error) {
	if strings.TrimSpace(studentID) == "" || strings.TrimSpace(topicKey) == "" {
		return model.AbilityEstimate{}, nil, fmt.Errorf("%w: student id and topic key are required", irt.ErrInvalidParameter)
	}
	set, err := s.loadSet(ctx, studentID)
	if err != nil {
		return model.AbilityEstimate{}, nil, err
	}
	return s.aggregator.ResolveTopic(ctx, set, topicKey)
}

// NextItemResult is the item chosen for a student.
type NextItemResult struct {
	Item model.Item
	// Theta is the ability the item was chosen for.
	Theta       float64
	Score       float64
	Threshold   float64
	Relaxations []selection.Relaxation
	// Fallback is true when no item passed the selector and the least
	// recently used active item was returned instead.
	Fallback bool
}

// NextItem selects the most informative item of a topic for the student.
// When the topic has nothing left to offer it falls back to the least
// recently used active item across the catalog.
func (s *Service) NextItem(ctx context.Context, studentID, topicKey string) (NextItemResult, error) {
	est, res, err := s.ResolveTopic(ctx, studentID, topicKey)
	if err != nil {
		return NextItemResult{}, err
	}

	var (
		topics       []string
		requestTopic string
	)
	switch r := res.(type) {
	case aggregate.Direct:
		topics, requestTopic = []string{r.Key}, r.Key
	case aggregate.Derived:
		topics = r.To
	}

	now := s.now()
	window := s.selector.Config().RecencyWindow
	pools := make([][]model.Item, len(topics))
	var shown map[string]time.Time

	g, gctx := errgroup.WithContext(ctx)
	for i, k := range topics {
		g.Go(func() error {
			items, err := s.store.ActiveItems(gctx, k)
			if err != nil {
				return fmt.Errorf("active items of %s: %w", k, err)
			}
			pools[i] = items
			return nil
		})
	}
	g.Go(func() error {
		var err error
		shown, err = s.store.ShownSince(gctx, studentID, now.Add(-window))
		return err
	})
	if err := g.Wait(); err != nil {
		return NextItemResult{}, err
	}

	var candidates []model.Item
	for _, items := range pools {
		candidates = append(candidates, items...)
	}
	withLastShown(candidates, shown)

	sel, err := s.selector.SelectNext(ctx, selection.Request{
		Theta:      est.Theta,
		TopicKey:   requestTopic,
		Candidates: candidates,
		Now:        now,
	})
	if errors.Is(err, selection.ErrNoCandidate) {
		return s.fallbackItem(ctx, studentID, est.Theta)
	}
	if err != nil {
		return NextItemResult{}, err
	}

	for _, r := range sel.Relaxations {
		metrics.RecordSelectionRelaxation(string(r))
	}
	metrics.RecordSelection("selected")
	return NextItemResult{
		Item:        sel.Item,
		Theta:       est.Theta,
		Score:       sel.Score,
		Threshold:   sel.Threshold,
		Relaxations: sel.Relaxations,
	}, nil
}

func (s *Service) fallbackItem(ctx context.Context, studentID string, theta float64) (NextItemResult, error) {
	all, err := s.store.ActiveItems(ctx, "")
	if err != nil {
		return NextItemResult{}, fmt.Errorf("active items: %w", err)
	}
	shown, err := s.store.ShownSince(ctx, studentID, time.Time{})
	if err != nil {
		return NextItemResult{}, err
	}
	withLastShown(all, shown)

	item, err := selection.LeastRecentlyUsed(all)
	if err != nil {
		metrics.RecordSelection("no_candidate")
		return NextItemResult{}, err
	}
	metrics.RecordSelection("fallback")
	s.logger.Warn(ctx, "selector found nothing, serving least recently used item",
		logger.String("student_id", studentID), logger.String("item_id", item.ID))
	return NextItemResult{Item: item, Theta: theta, Fallback: true}, nil
}

func withLastShown(items []model.Item, shown map[string]time.Time) {
	for i := range items {
		if t, ok := shown[items[i].ID]; ok {
			items[i].LastShownAt = t
		}
	}
}

// ScoreTest marks a completed test. itemIDs lists the test's items in order.
func (s *Service) ScoreTest(ctx context.Context, itemIDs []string, answers []scoring.Answer) (scoring.Result, error) {
	if len(itemIDs) == 0 {
		return scoring.Result{}, fmt.Errorf("%w: test has no items", irt.ErrInvalidParameter)
	}
	items := make([]model.Item, 0, len(itemIDs))
	seen := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if _, dup := seen[id]; dup {
			return scoring.Result{}, fmt.Errorf("%w: item %s listed twice", irt.ErrInvalidParameter, id)
		}
		seen[id] = struct{}{}
		it, err := s.store.Item(ctx, id)
		if err != nil {
			return scoring.Result{}, err
		}
		items = append(items, it)
	}

	res, err := s.scorer.ScoreTest(items, answers)
	if err != nil {
		return scoring.Result{}, err
	}
	metrics.RecordTestScored()
	return res, nil
}

// UpsertItems normalises and validates items, then stores them. Topic keys
// are stored in canonical form, a missing subject is taken from the taxonomy
// and multiple-choice items without a guessing parameter get the default for
// their option count.
func (s *Service) UpsertItems(ctx context.Context, items []model.Item) ([]model.Item, error) {
	tax := s.aggregator.Taxonomy()
	out := make([]model.Item, 0, len(items))
	ids := make(map[string]struct{}, len(items))
	for _, it := range items {
		it.ID = strings.TrimSpace(it.ID)
		if _, dup := ids[it.ID]; dup {
			return nil, fmt.Errorf("%w: item %s appears twice", irt.ErrInvalidParameter, it.ID)
		}
		ids[it.ID] = struct{}{}

		if it.TopicKey != "" {
			key, err := s.singleTopic(it.TopicKey)
			if err != nil {
				return nil, fmt.Errorf("item %s: %w", it.ID, err)
			}
			it.TopicKey = key
		}
		if strings.TrimSpace(it.SubjectKey) == "" && it.TopicKey != "" {
			it.SubjectKey = tax.SubjectOf(it.TopicKey)
		}
		if it.Format == "" {
			it.Format = model.FormatMCQ
		}
		if it.Format == model.FormatMCQ && it.Guessing == 0 {
			it.Guessing = model.DefaultGuessing(it.Format, it.OptionCount)
		}
		if err := it.Validate(); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := s.store.UpsertItems(ctx, out); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "items upserted", logger.Int("count", len(out)))
	return out, nil
}

// Stats is a snapshot of the service for monitoring.
type Stats struct {
	Started     bool          `json:"started"`
	Uptime      time.Duration `json:"uptime_ns"`
	WorkerCount int           `json:"worker_count"`
	QueueSize   int           `json:"queue_size"`
	QueueLength int           `json:"queue_length"`
	DedupeSize  int64         `json:"dedupe_size"`
	Students    int           `json:"students"`
	ActiveItems int           `json:"active_items"`
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	st := Stats{Started: s.started, WorkerCount: s.workerCount, QueueSize: s.queueSize}
	if s.started {
		st.Uptime = s.now().Sub(s.startedAt)
		st.QueueLength = s.queue.Len(ctx)
	}
	s.mu.RUnlock()

	if sz, ok := s.deduper.(dedupe.Sizer); ok {
		st.DedupeSize = sz.Size()
		metrics.UpdateDedupeSize(st.DedupeSize)
	}
	students, err := s.store.Students(ctx)
	if err != nil {
		return st, err
	}
	items, err := s.store.ActiveItems(ctx, "")
	if err != nil {
		return st, err
	}
	st.Students, st.ActiveItems = len(students), len(items)
	return st, nil
}

func (s *Service) loadSet(ctx context.Context, studentID string) (model.EstimateSet, error) {
	set, err := s.store.LoadEstimates(ctx, studentID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.NewEstimateSet(studentID), nil
	}
	if err != nil {
		return model.EstimateSet{}, fmt.Errorf("load estimates of %s: %w", studentID, err)
	}
	return set, nil
}

// singleTopic returns the canonical key of a topic that takes responses.
func (s *Service) singleTopic(key string) (string, error) {
	switch r := s.aggregator.Taxonomy().Resolve(key).(type) {
	case aggregate.Direct:
		if r.Key == "" {
			return "", fmt.Errorf("%w: topic key is empty", irt.ErrInvalidParameter)
		}
		return r.Key, nil
	case aggregate.Derived:
		return "", fmt.Errorf("%w %q covers %v: %w", ErrBroadTopic, r.From, r.To, irt.ErrInvalidParameter)
	default:
		return "", fmt.Errorf("%w: unresolvable topic %q", irt.ErrInvalidParameter, key)
	}
}

func validateResponse(resp model.Response) error {
	switch {
	case strings.TrimSpace(resp.ID) == "":
		return fmt.Errorf("%w: response id is empty", irt.ErrInvalidParameter)
	case strings.TrimSpace(resp.StudentID) == "":
		return fmt.Errorf("%w: student id is empty", irt.ErrInvalidParameter)
	case strings.TrimSpace(resp.ItemID) == "":
		return fmt.Errorf("%w: item id is empty", irt.ErrInvalidParameter)
	}
	return nil
}

// errorReason labels a failed submission for metrics.
func errorReason(err error) string {
	switch {
	case errors.Is(err, irt.ErrInvalidParameter):
		return "invalid"
	case errors.Is(err, repository.ErrNotFound):
		return "not_found"
	case errors.Is(err, aggregate.ErrStaleEstimate):
		return "stale"
	case errors.Is(err, repository.ErrVersionConflict):
		return "conflict"
	default:
		return "store"
	}
}
