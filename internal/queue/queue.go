// Package queue implements the generic thread-safe priority queue that
// backs every database queue.
//
// The queue is payload-type-agnostic: items are opaque byte slices with an
// integer priority. Higher priority dequeues first; items of equal priority
// dequeue in strict FIFO order. Callers that need typed payloads serialize
// on the way in and deserialize on the way out.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// Item is one queued element.
type Item struct {
	Data     []byte
	Priority int
	Queued   time.Time

	seq uint64 // FIFO tiebreak within a priority level
}

// Queue is a named, thread-safe priority queue.
type Queue struct {
	name string

	mu       sync.Mutex
	notEmpty *sync.Cond
	items    itemHeap
	nextSeq  uint64
	closed   bool

	// lifetime counters, read via Stats
	totalEnqueued uint64
	totalDequeued uint64
}

// New creates an empty queue with the given name.
func New(name string) *Queue {
	q := &Queue{name: name}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds data with the given priority. It fails on a closed queue;
// work is never silently dropped.
func (q *Queue) Enqueue(data []byte, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errs.Newf(errs.ErrKindUnavailable, "queue %s is closed", q.name)
	}

	heap.Push(&q.items, &Item{
		Data:     data,
		Priority: priority,
		Queued:   time.Now(),
		seq:      q.nextSeq,
	})
	q.nextSeq++
	q.totalEnqueued++
	q.notEmpty.Signal()
	return nil
}

// TryDequeue removes and returns the highest-priority item without blocking.
// It returns nil when the queue is empty.
func (q *Queue) TryDequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}
	q.totalDequeued++
	return heap.Pop(&q.items).(*Item)
}

// DequeueWait blocks until an item is available or the queue is closed.
// It returns nil once the queue is closed and drained.
func (q *Queue) DequeueWait() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.items.Len() == 0 {
		return nil
	}
	q.totalDequeued++
	return heap.Pop(&q.items).(*Item)
}

// DequeueTimeout blocks until an item is available, the queue is closed, or
// d elapses. It returns nil on timeout and once the queue is closed and
// drained; callers distinguish the two via Closed.
func (q *Queue) DequeueTimeout(d time.Duration) *Item {
	deadline := time.Now().Add(d)
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wake := time.AfterFunc(remaining, q.notEmpty.Broadcast)
		q.notEmpty.Wait()
		wake.Stop()
	}
	if q.items.Len() == 0 {
		return nil
	}
	q.totalDequeued++
	return heap.Pop(&q.items).(*Item)
}

// Size returns the current number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Name            string
	Depth           int
	TotalEnqueued   uint64
	TotalDequeued   uint64
	OldestQueued    time.Time // zero when empty
	HighestPriority int       // zero when empty
}

// Stats returns a snapshot of the queue's counters and head item.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Name:          q.name,
		Depth:         q.items.Len(),
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
	}
	if q.items.Len() > 0 {
		head := q.items[0]
		s.OldestQueued = head.Queued
		s.HighestPriority = head.Priority
	}
	return s
}

// Close marks the queue closed and wakes all blocked consumers. Enqueue
// fails afterwards; remaining items can still be drained. Close is
// idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// itemHeap orders by priority descending, then by insertion sequence
// ascending so equal priorities keep arrival order.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
