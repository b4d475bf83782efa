package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/models"
)

// --- Priority Queue Implementation ---

// PQItem represents an item in the priority queue
type PQItem struct {
	task  *models.URLTask
	index int // The index of the item in the heap (required by heap interface)
}

// PriorityQueue implements heap.Interface ordered by (Priority, Index)
type PriorityQueue []*PQItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	a, b := pq[i].task, pq[j].task
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Index < b.Index
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *PriorityQueue) Push(x any) {
	item := x.(*PQItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

// Pop removes and returns the minimum element from the heap
func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// BoundedPriorityQueue is a capacity-limited, thread-safe priority queue.
// Adds never block; callers decide what to do with a full queue.
type BoundedPriorityQueue struct {
	pq       PriorityQueue
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int // <= 0 means unbounded
	closed   bool
	log      *logrus.Entry
}

// NewBoundedPriorityQueue creates a queue holding at most capacity tasks
func NewBoundedPriorityQueue(capacity int, log *logrus.Entry) *BoundedPriorityQueue {
	q := &BoundedPriorityQueue{capacity: capacity, log: log}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pq)
	return q
}

// TryAdd inserts task unless the queue is full or closed
func (q *BoundedPriorityQueue) TryAdd(task *models.URLTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.log.Debugf("Dropping task for closed queue: %s", task.URL)
		return false
	}
	if q.capacity > 0 && len(q.pq) >= q.capacity {
		return false
	}
	heap.Push(&q.pq, &PQItem{task: task})
	q.cond.Signal()
	return true
}

// Pop removes the lowest (Priority, Index) task, waiting until one is
// available, the queue is closed, or ctx is done.
// Returns nil and false when nothing was obtained.
func (q *BoundedPriorityQueue) Pop(ctx context.Context) (*models.URLTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for len(q.pq) == 0 {
		if q.closed || ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
	item := heap.Pop(&q.pq).(*PQItem)
	return item.task, true
}

// TryPop removes the next task without waiting
func (q *BoundedPriorityQueue) TryPop() (*models.URLTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pq) == 0 {
		return nil, false
	}
	return heap.Pop(&q.pq).(*PQItem).task, true
}

// Drain removes and returns every queued task in dequeue order
func (q *BoundedPriorityQueue) Drain() []*models.URLTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.URLTask, 0, len(q.pq))
	for len(q.pq) > 0 {
		out = append(out, heap.Pop(&q.pq).(*PQItem).task)
	}
	return out
}

// Close wakes all waiters; queued tasks can still be popped
func (q *BoundedPriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Len returns the current number of items in the queue
func (q *BoundedPriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// Cap returns the configured capacity
func (q *BoundedPriorityQueue) Cap() int {
	return q.capacity
}

// Full reports whether a TryAdd would currently fail for lack of room
func (q *BoundedPriorityQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity > 0 && len(q.pq) >= q.capacity
}
