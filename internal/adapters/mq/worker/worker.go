// Package worker runs recompute jobs from a queue on a pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/okian/irtengine/internal/adapters/mq/queue"
	"github.com/okian/irtengine/pkg/logger"
	"github.com/okian/irtengine/pkg/metrics"
)

const (
	poolShutdownTimeout = 30 * time.Second
	workerStopTimeout   = 5 * time.Second
)

// ErrDiscarded is passed to a Discarder for jobs left in a closed queue after
// the pool stopped.
var ErrDiscarded = errors.New("job discarded at shutdown")

// Processor handles one job. A returned error is logged and the worker moves
// on to the next job.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job queue.Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job queue.Job) error { return f(ctx, job) }

// Discarder is implemented by processors that must hear about jobs the pool
// will never run.
type Discarder interface {
	Discard(ctx context.Context, job queue.Job, reason error)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
	Len(ctx context.Context) int
}

// Worker processes jobs until the queue is drained, ctx is done or it is shut down.
type Worker struct {
	queue     Queue
	processor Processor
	name      string

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewWorker creates a worker with configuration options.
func NewWorker(q Queue, p Processor, opts ...Option) *Worker {
	w := &Worker{
		queue:     q,
		processor: p,
		name:      "worker",
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			metrics.UpdateQueueSize(w.queue.Len(ctx))
			if err := w.processor.Process(ctx, job); err != nil {
				w.logger.Error(ctx, "recompute job failed",
					logger.String("run_id", job.RunID),
					logger.String("student_id", job.StudentID),
					logger.Error(err))
			}
		}
	}
}

// Shutdown stops the worker after its current job.
func (w *Worker) Shutdown(ctx context.Context) error {
	close(w.shutdown)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Pool manages multiple workers reading the same queue.
type Pool struct {
	workers   []*Worker
	queue     Queue
	processor Processor
	wg        sync.WaitGroup
	once      sync.Once
	logger    logger.Logger
}

// NewPool creates a pool of workerCount workers, or one per CPU when
// workerCount < 1.
func NewPool(workerCount int, q Queue, p Processor, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	// The pool logs through the same logger its workers are given.
	template := &Worker{logger: logger.Discard()}
	for _, opt := range opts {
		opt(template)
	}
	pool := &Pool{
		workers:   make([]*Worker, workerCount),
		queue:     q,
		processor: p,
		logger:    template.logger.Named("worker-pool"),
	}
	for i := range workerCount {
		wopts := append(slices.Clone(opts), WithName("worker-"+strconv.Itoa(i)))
		pool.workers[i] = NewWorker(q, p, wopts...)
	}
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
	metrics.UpdateWorkerCount(len(p.workers))
}

// Wait blocks until every worker has exited, which happens once the queue is
// closed and drained or the context passed to Start is done.
func (p *Pool) Wait() {
	p.wg.Wait()
	metrics.UpdateWorkerCount(0)
}

// Shutdown closes the queue if it can be closed and lets the workers drain
// it. Workers still busy when the drain times out are stopped after their
// current job, and whatever is left in the queue goes to the processor's
// Discard when it implements Discarder.
func (p *Pool) Shutdown(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		closer, closable := p.queue.(interface{ Close() error })
		if closable {
			if cerr := closer.Close(); cerr != nil {
				p.logger.Error(ctx, "error closing queue", logger.Error(cerr))
			}
		}

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()

		shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
		defer cancel()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "queue not drained in time, stopping workers",
				logger.Int("queued", p.queue.Len(ctx)))
			stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), workerStopTimeout)
			defer stop()
			for i, w := range p.workers {
				if serr := w.Shutdown(stopCtx); serr != nil {
					p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
					err = serr
				}
			}
		}
		if closable {
			p.discardRemaining(ctx)
		}
		metrics.UpdateWorkerCount(0)
	})
	return err
}

// discardRemaining empties a closed queue into the processor's Discard.
func (p *Pool) discardRemaining(ctx context.Context) {
	d, ok := p.processor.(Discarder)
	n := 0
	for job := range p.queue.Dequeue(ctx) {
		n++
		if ok {
			d.Discard(ctx, job, ErrDiscarded)
		}
	}
	if n > 0 {
		p.logger.Warn(ctx, "discarded queued jobs", logger.Int("count", n))
		metrics.UpdateQueueSize(0)
	}
}
