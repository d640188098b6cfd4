package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if !q.Enqueue(ctx, Job{RunID: "run-1", StudentID: "stu-1"}) {
		t.Error("expected enqueue to succeed")
	}
	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	job := <-q.Dequeue(ctx)
	if job.StudentID != "stu-1" || job.RunID != "run-1" {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if !q.Enqueue(ctx, Job{StudentID: "stu-1"}) || !q.Enqueue(ctx, Job{StudentID: "stu-2"}) {
		t.Fatal("expected enqueue to succeed")
	}
	if q.Enqueue(ctx, Job{StudentID: "stu-3"}) {
		t.Error("expected enqueue to fail when full")
	}
	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_CloseDrains(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(10))
	ctx := context.Background()

	for i := range 3 {
		q.Enqueue(ctx, Job{StudentID: fmt.Sprintf("stu-%d", i)})
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to report closed")
	}
	if q.Enqueue(ctx, Job{StudentID: "late"}) {
		t.Error("expected enqueue after close to fail")
	}
	if err := q.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	var got []string
	for j := range q.Dequeue(ctx) {
		got = append(got, j.StudentID)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 drained jobs, got %v", got)
	}
}

func TestInMemoryQueue_CancelledContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if q.Enqueue(ctx, Job{StudentID: "stu-1"}) {
		t.Error("expected enqueue with cancelled context to fail")
	}
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(100))
	ctx := context.Background()
	const producers, perProducer = 10, 100

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perProducer {
				job := Job{StudentID: fmt.Sprintf("stu-%d-%d", p, j)}
				for !q.Enqueue(ctx, job) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		for range q.Dequeue(ctx) {
			received++
		}
		close(done)
	}()

	wg.Wait()
	_ = q.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out draining queue")
	}
	if received != producers*perProducer {
		t.Errorf("expected %d jobs, got %d", producers*perProducer, received)
	}
}
