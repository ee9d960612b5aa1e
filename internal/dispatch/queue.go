// Package dispatch implements C3: the per-DispatcherKind priority queues and
// the single drain loop that feeds them into step execution.
package dispatch

import (
	"container/heap"
	"sync"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// item is one queued unit of work: a pip awaiting its next step.
type item struct {
	pip      *pipgraph.RunnablePip
	priority int32
	seq      uint64 // FIFO tiebreaker among equal priorities
}

// itemHeap is a max-heap on priority, FIFO (lowest seq first) among ties.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a single named priority queue: descending priority, then FIFO,
// with a running-count and max (spec.md §4.2).
type Queue struct {
	mu      sync.Mutex
	kind    pipgraph.DispatcherKind
	heap    itemHeap
	running int
	max     int
	nextSeq uint64
}

// NewQueue constructs an empty Queue with the given running-count cap.
func NewQueue(kind pipgraph.DispatcherKind, max int) *Queue {
	return &Queue{kind: kind, max: max}
}

// Kind returns the queue's DispatcherKind.
func (q *Queue) Kind() pipgraph.DispatcherKind { return q.kind }

// Enqueue adds a pip to the queue at the given priority.
func (q *Queue) Enqueue(pip *pipgraph.RunnablePip, priority int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, &item{pip: pip, priority: priority, seq: q.nextSeq})
	q.nextSeq++
}

// TryDequeue pops the highest-priority item if running < max, incrementing
// running. Returns nil if the queue is empty or saturated.
func (q *Queue) TryDequeue() *pipgraph.RunnablePip {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running >= q.max || q.heap.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	q.running++
	return it.pip
}

// Finish decrements the running count, called when a dequeued item's step
// execution completes (spec.md §4.2: "item-finished" wakes the drain loop).
func (q *Queue) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running > 0 {
		q.running--
	}
}

// Len returns the number of items currently waiting (not running).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Running returns the current running count.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Max returns the current running-count cap.
func (q *Queue) Max() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.max
}

// SetMax adjusts the running-count cap — used by the adaptive I/O degree
// monitor (spec.md §4.2).
func (q *Queue) SetMax(max int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.max = max
}

// HasCapacity reports whether running < max.
func (q *Queue) HasCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running < q.max
}
