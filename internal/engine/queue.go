package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kokoroai/kokoro/internal/vector"
)

// taskKind discriminates vector-store tasks.
type taskKind int

const (
	taskUpsert taskKind = iota
	taskDelete
)

// vectorTask is one deferred index operation. Tasks for a given key are
// applied in enqueue order; across keys no order is guaranteed.
type vectorTask struct {
	kind     taskKind
	payload  vector.Payload
	enriched string
	keys     []string
}

// vectorQueue is the unbounded FIFO between the write path and the vector
// index, consumed by a single daemon started on first enqueue. A failed
// task raises the dirty flag via onFailure and is dropped; there is no
// retry and no dead-letter queue — the idle rebuild is the recovery path.
type vectorQueue struct {
	index     vector.Index
	onFailure func(error)

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []vectorTask
	active  bool // a popped task is still executing
	started bool
	closed  bool
	idle    chan struct{} // closed while no task is pending or executing
	done    chan struct{}
}

func newVectorQueue(index vector.Index, onFailure func(error)) *vectorQueue {
	q := &vectorQueue{
		index:     index,
		onFailure: onFailure,
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.idle = make(chan struct{})
	close(q.idle)
	return q
}

// EnqueueUpsert schedules an index upsert. Never blocks.
func (q *vectorQueue) EnqueueUpsert(payload vector.Payload, enriched string) {
	q.enqueue(vectorTask{kind: taskUpsert, payload: payload, enriched: enriched})
}

// EnqueueDelete schedules removal of the given keys from the index.
func (q *vectorQueue) EnqueueDelete(keys []string) {
	q.enqueue(vectorTask{kind: taskDelete, keys: keys})
}

func (q *vectorQueue) enqueue(t vectorTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.onFailure(fmt.Errorf("vector queue closed"))
		return
	}
	if len(q.tasks) == 0 && !q.active {
		q.idle = make(chan struct{})
	}
	q.tasks = append(q.tasks, t)
	if !q.started {
		q.started = true
		go q.run()
	}
	q.cond.Signal()
}

// run is the single consumer loop.
func (q *vectorQueue) run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			close(q.done)
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.active = true
		q.mu.Unlock()

		q.execute(t)

		q.mu.Lock()
		q.active = false
		if len(q.tasks) == 0 {
			close(q.idle)
		}
		q.mu.Unlock()
	}
}

func (q *vectorQueue) execute(t vectorTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var err error
	switch t.kind {
	case taskUpsert:
		err = q.index.Upsert(ctx, t.payload, t.enriched)
	case taskDelete:
		err = q.index.Delete(ctx, t.keys)
	}
	if err != nil {
		q.onFailure(err)
	}
}

// Depth returns the number of pending tasks.
func (q *vectorQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain blocks until the queue is empty or the context expires.
func (q *vectorQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("vector queue drain: %w", ctx.Err())
	}
}

// Close stops accepting tasks and waits for the consumer to finish the
// backlog, bounded by the context. Safe to call when the consumer never
// started.
func (q *vectorQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.cond.Broadcast()
	q.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("vector queue close: %w", ctx.Err())
	}
}
