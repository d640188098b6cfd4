// Package dedupe tracks applied response ids so a retried submission is not
// applied twice.
package dedupe

import (
	"container/list"
	"context"
	"sync"
)

// DefaultMaxSize bounds the in-memory deduper.
const DefaultMaxSize = 50000

// Deduper records seen response ids to ensure at-most-once processing.
type Deduper interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) (bool, error)

	// Unrecord forgets id so a submission that failed after being recorded
	// can be retried.
	Unrecord(ctx context.Context, id string) error
}

// Sizer is implemented by dedupers that can report how many ids they hold.
type Sizer interface {
	Size() int64
}

// memoryDeduper keeps ids in a map indexed into an insertion-ordered list.
// Bounded mode evicts the oldest id first; maxSize <= 0 never evicts.
type memoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	maxSize int
}

// NewMemoryDeduper returns a process-local Deduper.
func NewMemoryDeduper(opts ...MemoryOption) Deduper {
	d := &memoryDeduper{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *memoryDeduper) SeenAndRecord(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true, nil
	}
	if d.maxSize > 0 && d.order.Len() >= d.maxSize {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	d.seen[id] = d.order.PushBack(id)
	return false, nil
}

func (d *memoryDeduper) Unrecord(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[id]; ok {
		d.order.Remove(el)
		delete(d.seen, id)
	}
	return nil
}

// Size returns the number of ids currently held.
func (d *memoryDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(d.order.Len())
}
