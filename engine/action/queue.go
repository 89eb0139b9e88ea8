package action

import (
	"container/heap"
	"context"
	"sync"
)

// execHeap orders pending executions by descending priority; equal
// priorities dequeue in submission order via the monotonic seq.
type execHeap []*Execution

func (h execHeap) Len() int { return len(h) }

func (h execHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h execHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *execHeap) Push(x interface{}) {
	*h = append(*h, x.(*Execution))
}

func (h *execHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// queue combines the heap with a token channel: tokens bound queue depth
// and let workers block on availability, while the heap decides order.
// Removing an item leaves a stale token behind; dequeue skips those.
type queue struct {
	mu     sync.Mutex
	items  execHeap
	signal chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &queue{signal: make(chan struct{}, capacity)}
}

// enqueue adds an execution, failing fast when the queue is at capacity.
func (q *queue) enqueue(e *Execution) error {
	select {
	case q.signal <- struct{}{}:
	default:
		return ErrQueueFull
	}
	q.mu.Lock()
	heap.Push(&q.items, e)
	q.mu.Unlock()
	return nil
}

// dequeue blocks until an execution is available or ctx is done.
func (q *queue) dequeue(ctx context.Context) (*Execution, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			q.mu.Lock()
			if q.items.Len() == 0 {
				// Token for an item removed by cancel.
				q.mu.Unlock()
				continue
			}
			e := heap.Pop(&q.items).(*Execution)
			q.mu.Unlock()
			return e, nil
		}
	}
}

// remove takes an execution out of the queue by id. The matching token
// stays in the channel and is skipped by a later dequeue.
func (q *queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.ID == id {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// depth returns the number of queued executions.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
