package sender

import (
	"context"
	"sync"
	"time"

	"github.com/helius-labs/lite-txn-sender/config"
)

type request struct {
	payload  []byte
	dest     string
	enqueued time.Time
	attempts int
	notify   chan Outcome
}

// queue is a bounded FIFO for one destination. When full it either refuses
// the push or sheds the oldest entry, depending on policy; it never grows
// past its capacity and it never blocks the producer.
type queue struct {
	capacity int
	policy   config.QueuePolicy

	mu      sync.Mutex
	items   []*request
	dropped uint64

	wake chan struct{}
}

func newQueue(capacity int, policy config.QueuePolicy) *queue {
	return &queue{
		capacity: capacity,
		policy:   policy,
		items:    make([]*request, 0, capacity),
		wake:     make(chan struct{}, 1),
	}
}

// push enqueues a request. Under the oldest-drop policy a full queue sheds
// and returns its oldest entry so the caller can record the drop; under the
// reject policy push reports false and the queue is untouched.
func (q *queue) push(r *request) (shed *request, ok bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		if q.policy == config.QueueReject {
			q.mu.Unlock()
			return nil, false
		}
		shed = q.items[0]
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return shed, true
}

// pop blocks until a request is available or the context ends.
func (q *queue) pop(ctx context.Context) (*request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// drain empties the queue, returning everything still waiting.
func (q *queue) drain() []*request {
	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := q.items
	q.items = nil
	return remaining
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// shedCount reports how many entries the oldest-drop policy has evicted.
func (q *queue) shedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
