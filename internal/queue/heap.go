// Package queue implements the depth-ordered priority queue used by the
// in-memory Backend. It is grounded on the reference implementation's
// BinaryHeap<OrderedQueuedTask>: a min-heap keyed by task depth so that
// root tasks (depth 0) drain first, widening the dispatch frontier.
package queue

import (
	"container/heap"

	"github.com/swarmguard/pipelinetool/internal/task"
)

// entry pairs a QueuedTask with the depth it was enqueued at. seq breaks
// ties between equal depths in FIFO order so dispatch is stable.
type entry struct {
	depth int
	seq   int64
	qt    task.QueuedTask
}

type innerHeap []*entry

func (h innerHeap) Len() int { return len(h) }
func (h innerHeap) Less(i, j int) bool {
	if h[i].depth != h[j].depth {
		return h[i].depth < h[j].depth
	}
	return h[i].seq < h[j].seq
}
func (h innerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *innerHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PriorityQueue is a depth-ordered min-heap with O(1) removal of any
// previously-queued entry for a given (run_id, task_id), required so
// enqueue_task can supersede a stale entry left by lazy-expand rewiring or
// a retry re-enqueue without dispatching the task twice.
type PriorityQueue struct {
	h       innerHeap
	bySlot  map[slotKey]*entry
	nextSeq int64
}

type slotKey struct {
	runID  int64
	taskID int
}

// New returns an empty priority queue.
func New() *PriorityQueue {
	return &PriorityQueue{bySlot: make(map[slotKey]*entry)}
}

// Push enqueues qt at the given depth, first removing any prior entry for
// the same (run_id, task_id) so a stale queued position never survives a
// re-enqueue.
func (q *PriorityQueue) Push(qt task.QueuedTask, depth int) {
	key := slotKey{qt.RunID, qt.TaskID}
	if old, ok := q.bySlot[key]; ok {
		q.remove(old)
	}
	e := &entry{depth: depth, seq: q.nextSeq, qt: qt}
	q.nextSeq++
	q.bySlot[key] = e
	heap.Push(&q.h, e)
}

// Pop removes and returns the lowest-depth entry. ok is false if the queue
// is empty.
func (q *PriorityQueue) Pop() (task.QueuedTask, bool) {
	for q.h.Len() > 0 {
		e := heap.Pop(&q.h).(*entry)
		key := slotKey{e.qt.RunID, e.qt.TaskID}
		// Entries removed via remove() are left dangling in the heap slice
		// (lazy deletion) and filtered out here by slot-map membership.
		if cur, ok := q.bySlot[key]; !ok || cur != e {
			continue
		}
		delete(q.bySlot, key)
		return e.qt, true
	}
	return task.QueuedTask{}, false
}

// Len reports the number of live (non-superseded) entries.
func (q *PriorityQueue) Len() int { return len(q.bySlot) }

func (q *PriorityQueue) remove(e *entry) {
	key := slotKey{e.qt.RunID, e.qt.TaskID}
	if cur, ok := q.bySlot[key]; ok && cur == e {
		delete(q.bySlot, key)
	}
}
