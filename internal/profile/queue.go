package profile

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the number of queued writes run together per drain pass.
const DefaultBatchSize = 5

type queuedOp struct {
	userID string
	run    func() error
	done   chan error
}

// WriteQueue runs enqueued writes in FIFO batches. Operations in a batch run
// concurrently and the next batch starts only after the whole batch settles.
// At most one drain goroutine is active at a time.
type WriteQueue struct {
	batchSize int

	mu       sync.Mutex
	idle     *sync.Cond
	pending  []queuedOp
	draining bool
}

// NewWriteQueue creates a queue draining batchSize operations per pass.
func NewWriteQueue(batchSize int) *WriteQueue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	q := &WriteQueue{batchSize: batchSize}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue schedules run and returns a channel that receives its result once.
// A failing or panicking operation affects only its own channel.
func (q *WriteQueue) Enqueue(userID string, run func() error) <-chan error {
	op := queuedOp{userID: userID, run: run, done: make(chan error, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, op)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return op.done
}

// Len returns the number of operations waiting for a drain pass.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until the queue is empty and no drain is running.
func (q *WriteQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.draining || len(q.pending) > 0 {
		q.idle.Wait()
	}
}

func (q *WriteQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		n := min(q.batchSize, len(q.pending))
		batch := make([]queuedOp, n)
		copy(batch, q.pending[:n])
		q.pending = q.pending[n:]
		q.mu.Unlock()

		var g errgroup.Group
		for _, op := range batch {
			g.Go(func() error {
				op.done <- runIsolated(op)
				return nil
			})
		}
		g.Wait()
	}
}

func runIsolated(op queuedOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write for %s panicked: %v", op.userID, r)
		}
	}()
	return op.run()
}
