// Package queue implements sail's PriorityTaskQueue (C7): a thread-safe,
// priority-ordered ready set that a fixed pool of worker goroutines drains
// via PopWait, plus abort/skip bookkeeping for failure propagation.
//
// Grounded on the teacher's core.Engine.Execute concurrency control (a
// golang.org/x/sync/errgroup combined with a buffered semaphore channel
// sized to --concurrency) and its visitor-driven walk that marks
// not-yet-visited dependents as skipped once a hard dependency fails;
// concurrency here is bounded by the number of worker goroutines calling
// PopWait rather than by a semaphore, so that dequeue order — not just
// admission — goes through the priority heap (§4.7: "higher numeric
// priority dequeued first; ties broken by task id").
package queue

import (
	"container/heap"
	"sync"
)

// Queue is a priority-ordered ready set. Safe for concurrent Push/Pop/
// PopWait from multiple goroutines.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   priorityHeap
	closed  bool
	aborted bool
	skipped map[string]bool
}

type item struct {
	taskID   string
	priority int
}

// priorityHeap orders by descending priority, tie-broken by ascending task
// id for a deterministic pop order across runs (§4.7).
type priorityHeap []item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].taskID < h[j].taskID
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x interface{}) {
	*h = append(*h, x.(item))
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// New returns an empty, open Queue.
func New() *Queue {
	q := &Queue{skipped: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds taskID to the ready set at the given priority (higher runs
// sooner, §4.7: "transitive dependent count, declared weight, descending")
// and wakes every goroutine blocked in PopWait.
func (q *Queue) Push(taskID string, priority int) {
	q.mu.Lock()
	heap.Push(&q.items, item{taskID: taskID, priority: priority})
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pop removes and returns the highest-priority ready task id without
// blocking. The second return value is false if the ready set is
// currently empty.
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (string, bool) {
	if q.items.Len() == 0 {
		return "", false
	}
	it := heap.Pop(&q.items).(item)
	return it.taskID, true
}

// PopWait blocks until the highest-priority ready task id is available or
// the queue is Close'd with nothing left to pop, in which case ok is
// false. A fixed pool of worker goroutines each call PopWait in a loop, so
// the number of tasks running at once is bounded by how many goroutines
// are draining the queue, and every dequeue still goes through the
// priority heap.
func (q *Queue) PopWait() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	return q.popLocked()
}

// Close signals that no further Push calls will occur: every goroutine
// blocked in PopWait with nothing left to pop returns immediately with
// ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the number of tasks currently waiting in the ready set.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Abort marks the queue aborted: a failed hard dependency has occurred and
// no further tasks should be scheduled (§4.7 "abort/skip semantics on
// failure" — the default, non---continue policy).
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
}

// Aborted reports whether Abort has been called.
func (q *Queue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

// MarkSkipped records taskID as skipped (a dependent of a failed task) so
// Skipped can report it and the executor doesn't double-count it as failed.
func (q *Queue) MarkSkipped(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.skipped[taskID] = true
}

// Skipped returns every task id marked skipped so far.
func (q *Queue) Skipped() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.skipped))
	for id := range q.skipped {
		out = append(out, id)
	}
	return out
}
