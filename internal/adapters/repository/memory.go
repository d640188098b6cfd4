package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/okian/irtengine/internal/domain/model"
)

// MemoryStore keeps everything in process memory. It suits tests, the
// simulator and single-replica deployments that can lose state on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]model.Item
	responses map[string][]model.Response
	seen      map[string]struct{}
	estimates map[string]model.EstimateSet
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     map[string]model.Item{},
		responses: map[string][]model.Response{},
		seen:      map[string]struct{}{},
		estimates: map[string]model.EstimateSet{},
	}
}

func (s *MemoryStore) UpsertItems(_ context.Context, items []model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		it.LastShownAt = time.Time{}
		s.items[it.ID] = it
	}
	return nil
}

func (s *MemoryStore) Item(_ context.Context, id string) (model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return model.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it, nil
}

func (s *MemoryStore) ActiveItems(_ context.Context, topicKey string) ([]model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Item, 0)
	for _, it := range s.items {
		if it.Active && (topicKey == "" || it.TopicKey == topicKey) {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b model.Item) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) ShownSince(_ context.Context, studentID string, since time.Time) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]time.Time{}
	for _, r := range s.responses[studentID] {
		if r.OccurredAt.Before(since) {
			continue
		}
		if last, ok := out[r.ItemID]; !ok || r.OccurredAt.After(last) {
			out[r.ItemID] = r.OccurredAt
		}
	}
	return out, nil
}

func (s *MemoryStore) Responses(_ context.Context, studentID string) ([]model.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.responses[studentID])
	slices.SortStableFunc(out, compareResponses)
	return out, nil
}

func (s *MemoryStore) HasResponse(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok, nil
}

func (s *MemoryStore) LoadEstimates(_ context.Context, studentID string) (model.EstimateSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.estimates[studentID]
	if !ok {
		return model.EstimateSet{}, fmt.Errorf("estimates for %s: %w", studentID, ErrNotFound)
	}
	return set.Clone(), nil
}

func (s *MemoryStore) SaveEstimates(_ context.Context, set model.EstimateSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(set); err != nil {
		return err
	}
	s.putEstimates(set)
	return nil
}

// checkVersion must be called with mu held.
func (s *MemoryStore) checkVersion(set model.EstimateSet) error {
	if stored := s.estimates[set.StudentID].Version; stored != set.Version {
		return fmt.Errorf("estimates for %s at version %d, stored %d: %w", set.StudentID, set.Version, stored, ErrVersionConflict)
	}
	return nil
}

func (s *MemoryStore) putEstimates(set model.EstimateSet) {
	next := set.Clone()
	next.Version++
	s.estimates[set.StudentID] = next
}

func (s *MemoryStore) Students(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.estimates))
	for id := range s.estimates {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) RecordResponse(_ context.Context, resp model.Response, set model.EstimateSet) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[resp.ID]; dup {
		err := fmt.Errorf("response %s: %w", resp.ID, ErrDuplicateResponse)
		observe("record_response", start, err)
		return err
	}
	if err := s.checkVersion(set); err != nil {
		observe("record_response", start, err)
		return err
	}
	s.seen[resp.ID] = struct{}{}
	s.responses[resp.StudentID] = append(s.responses[resp.StudentID], resp)
	s.putEstimates(set)
	observe("record_response", start, nil)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func compareResponses(a, b model.Response) int {
	if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
