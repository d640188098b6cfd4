// Package repository defines the item, response and estimate stores the
// service reads from and writes to, with in-memory and SQL implementations.
package repository

import (
	"context"
	"time"

	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/pkg/metrics"
)

// ItemRepository serves the calibrated item catalog.
type ItemRepository interface {
	// UpsertItems inserts or replaces items by id.
	UpsertItems(ctx context.Context, items []model.Item) error
	// Item returns one item. Returns ErrNotFound if the id is unknown.
	Item(ctx context.Context, id string) (model.Item, error)
	// ActiveItems returns active items of a topic ordered by id, or every
	// active item when topicKey is empty.
	ActiveItems(ctx context.Context, topicKey string) ([]model.Item, error)
}

// ResponseRepository holds the append-only response history.
type ResponseRepository interface {
	// ShownSince maps item id to the latest time it was answered by the
	// student at or after since.
	ShownSince(ctx context.Context, studentID string, since time.Time) (map[string]time.Time, error)
	// Responses returns a student's history ordered by occurrence.
	Responses(ctx context.Context, studentID string) ([]model.Response, error)
	// HasResponse reports whether a response id is stored.
	HasResponse(ctx context.Context, id string) (bool, error)
}

// EstimateRepository holds each student's ability hierarchy.
type EstimateRepository interface {
	// LoadEstimates returns the stored set. Returns ErrNotFound for a student
	// with no estimates yet.
	LoadEstimates(ctx context.Context, studentID string) (model.EstimateSet, error)
	// SaveEstimates replaces the student's whole set atomically. Returns
	// ErrVersionConflict when set.Version is not the stored version.
	SaveEstimates(ctx context.Context, set model.EstimateSet) error
	// Students lists every student with stored estimates, ordered by id.
	Students(ctx context.Context) ([]string, error)
}

// Store is the full persistence surface.
type Store interface {
	ItemRepository
	ResponseRepository
	EstimateRepository

	// RecordResponse appends resp and replaces the student's estimate set in
	// one atomic step. Returns ErrDuplicateResponse when resp.ID is already
	// stored and ErrVersionConflict when set.Version is not the stored
	// version. In both cases nothing is written.
	RecordResponse(ctx context.Context, resp model.Response, set model.EstimateSet) error

	Close() error
}

// observe records the latency and outcome of one store call.
func observe(op string, start time.Time, err error) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		metrics.RecordStoreError(op)
	}
}
