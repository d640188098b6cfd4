package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/irtengine/internal/adapters/mq/queue"
	"github.com/okian/irtengine/internal/adapters/mq/worker"
	. "github.com/smartystreets/goconvey/convey"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (r *recorder) Process(_ context.Context, job queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, job.StudentID)
	if r.fail[job.StudentID] {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestPool(t *testing.T) {
	Convey("Given a pool reading a queue of recompute jobs", t, func() {
		ctx := context.Background()
		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		rec := &recorder{fail: map[string]bool{"stu-3": true}}
		pool := worker.NewPool(4, q, rec)
		So(pool.Size(), ShouldEqual, 4)

		for i := range 20 {
			So(q.Enqueue(ctx, queue.Job{RunID: "run-1", StudentID: fmt.Sprintf("stu-%d", i)}), ShouldBeTrue)
		}

		Convey("When the queue is closed and the pool drains it", func() {
			pool.Start(ctx)
			So(q.Close(), ShouldBeNil)

			done := make(chan struct{})
			go func() {
				pool.Wait()
				close(done)
			}()

			Convey("Then every job is processed even past failures", func() {
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					t.Fatal("pool did not drain")
				}
				So(rec.count(), ShouldEqual, 20)
			})
		})

		Convey("When the pool is shut down", func() {
			pool.Start(ctx)
			err := pool.Shutdown(ctx)

			Convey("Then the queue is closed and a second shutdown is a no-op", func() {
				So(err, ShouldBeNil)
				So(q.IsClosed(), ShouldBeTrue)
				So(pool.Shutdown(ctx), ShouldBeNil)
			})
		})
	})
}

type discarder struct {
	recorder
	dropped []string
	reasons []error
}

func (d *discarder) Discard(_ context.Context, job queue.Job, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped = append(d.dropped, job.StudentID)
	d.reasons = append(d.reasons, reason)
}

func TestPoolDiscardsLeftoverJobs(t *testing.T) {
	Convey("Given a pool whose workers have already stopped", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		proc := &discarder{}
		pool := worker.NewPool(2, q, proc)

		ctx, cancel := context.WithCancel(context.Background())
		pool.Start(ctx)
		cancel()
		pool.Wait()

		for i := range 3 {
			So(q.Enqueue(context.Background(), queue.Job{RunID: "run-1", StudentID: fmt.Sprintf("stu-%d", i)}), ShouldBeTrue)
		}

		Convey("When the pool is shut down", func() {
			err := pool.Shutdown(context.Background())

			Convey("Then every queued job is handed to Discard instead of vanishing", func() {
				So(err, ShouldBeNil)
				So(proc.count(), ShouldEqual, 0)
				So(proc.dropped, ShouldResemble, []string{"stu-0", "stu-1", "stu-2"})
				for _, r := range proc.reasons {
					So(errors.Is(r, worker.ErrDiscarded), ShouldBeTrue)
				}
				So(q.Len(context.Background()), ShouldEqual, 0)
			})
		})
	})

	Convey("Given a running pool with queued work", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(50))
		proc := &discarder{}
		for i := range 30 {
			So(q.Enqueue(context.Background(), queue.Job{StudentID: fmt.Sprintf("stu-%d", i)}), ShouldBeTrue)
		}
		pool := worker.NewPool(3, q, proc)
		pool.Start(context.Background())

		Convey("When it is shut down straight away", func() {
			So(pool.Shutdown(context.Background()), ShouldBeNil)

			Convey("Then every job is either processed or discarded", func() {
				So(proc.count()+len(proc.dropped), ShouldEqual, 30)
				So(proc.dropped, ShouldBeEmpty)
			})
		})
	})
}

func TestWorkerStopsOnContext(t *testing.T) {
	Convey("Given a worker on an idle queue", t, func() {
		q := queue.NewInMemoryQueue()
		w := worker.NewWorker(q, worker.ProcessorFunc(func(context.Context, queue.Job) error { return nil }), worker.WithName("solo"))
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			w.Run(ctx)
			close(done)
		}()

		Convey("When its context is cancelled", func() {
			cancel()

			Convey("Then it returns", func() {
				select {
				case <-done:
				case <-time.After(2 * time.Second):
					t.Fatal("worker did not stop")
				}
				So(true, ShouldBeTrue)
			})
		})
	})
}
