package crawler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// item is one queued URL with its scheduling priority. Lower priority pops
// first; seq breaks ties in insertion order. retries counts how often the
// task has been requeued after a failure.
type item struct {
	url      string
	priority int
	depth    int
	retries  int
	seq      int64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queue is a blocking priority queue. Pop blocks until an item arrives, the
// idle timeout elapses or the context is done. The idle timeout is how
// workers learn the crawl has drained.
type queue struct {
	mu    sync.Mutex
	items itemHeap
	seq   int64
	ready chan struct{} // signaled on push
}

func newQueue() *queue {
	q := &queue{ready: make(chan struct{}, 1)}
	heap.Init(&q.items)
	return q
}

// Push enqueues url with the given priority
func (q *queue) Push(url string, priority, depth int) {
	q.push(&item{url: url, priority: priority, depth: depth})
}

// Retry re-enqueues a failed task with its retry count advanced
func (q *queue) Retry(it *item) {
	it.retries++
	q.push(it)
}

func (q *queue) push(it *item) {
	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the lowest-priority item, waiting up to idle for one to
// arrive. ok is false when the queue stayed empty for the full idle window
// or the context was cancelled.
func (q *queue) Pop(ctx context.Context, idle time.Duration) (*item, bool) {
	deadline := time.NewTimer(idle)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				// Wake another waiter; a single push signal covers one pop
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
			// Retry; another worker may have taken the item
		case <-deadline.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len returns the current queue depth
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
