package thumbnail

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// Queue carries thumbnail jobs from the API to the workers. All consumers
// share a single stream of deliveries.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

// MemoryQueue is an in-process Queue for single-binary deployments and
// tests. Jobs do not survive a restart.
type MemoryQueue struct {
	ch      chan Delivery
	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]Job
}

// NewMemoryQueue returns a queue buffering up to buffer jobs; Enqueue blocks
// when the buffer is full.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{
		ch:      make(chan Delivery, buffer),
		pending: make(map[string]Job),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	id := "mem-" + strconv.FormatUint(q.seq.Add(1), 10)
	q.mu.Lock()
	q.pending[id] = job
	q.mu.Unlock()

	delivery := Delivery{
		ID:  id,
		Job: job,
		Ack: func(context.Context) error {
			q.mu.Lock()
			delete(q.pending, id)
			q.mu.Unlock()
			return nil
		},
	}
	select {
	case q.ch <- delivery:
		return id, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, id)
		q.mu.Unlock()
		return "", ctx.Err()
	}
}

// Subscribe returns the shared delivery channel. It is never closed;
// consumers stop on ctx cancellation.
func (q *MemoryQueue) Subscribe(context.Context) (<-chan Delivery, error) {
	return q.ch, nil
}

// Pending reports jobs that were enqueued but not yet acknowledged.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
