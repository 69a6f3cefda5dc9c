// Package workqueue provides named serial work queues and a coalescing
// tasklet. Each queue runs its work items in submission order on a single
// worker goroutine; separate queues run independently, so slow work on one
// cannot starve another.
package workqueue

import (
	"sync"

	"github.com/oriys/hvbus/internal/logging"
)

const submitBuffer = 128

// Queue is one named serial work queue.
type Queue struct {
	name string

	mu     sync.Mutex
	closed bool
	work   chan func()
	done   chan struct{}
}

// New creates a queue and starts its worker.
func New(name string) (*Queue, error) {
	q := &Queue{
		name: name,
		work: make(chan func(), submitBuffer),
		done: make(chan struct{}),
	}
	go q.run()
	return q, nil
}

func (q *Queue) run() {
	defer close(q.done)
	for fn := range q.work {
		fn()
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Submit enqueues fn. Returns false if the queue has been closed.
func (q *Queue) Submit(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.work <- fn
	return true
}

// Flush blocks until all work submitted before the call has run.
func (q *Queue) Flush() {
	var wg sync.WaitGroup
	wg.Add(1)
	if !q.Submit(wg.Done) {
		return
	}
	wg.Wait()
}

// Close drains remaining work and stops the worker. Safe to call more
// than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.work)
	q.mu.Unlock()

	<-q.done
	logging.Op().Debug("work queue closed", "queue", q.name)
}
