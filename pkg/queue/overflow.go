package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Sriram-PR/harvester/pkg/models"
)

// Overflow is an unbounded LIFO buffer absorbing pushes that a bounded
// queue could not take. Consumers drain it before the bounded queue.
type Overflow struct {
	mu    sync.Mutex
	items []*models.URLTask
}

// Push appends a task
func (o *Overflow) Push(task *models.URLTask) {
	o.mu.Lock()
	o.items = append(o.items, task)
	o.mu.Unlock()
}

// Pop removes the most recently pushed task
func (o *Overflow) Pop() (*models.URLTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.items)
	if n == 0 {
		return nil, false
	}
	task := o.items[n-1]
	o.items[n-1] = nil
	o.items = o.items[:n-1]
	return task, true
}

// Len returns the number of buffered tasks
func (o *Overflow) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Drain removes and returns everything in LIFO order
func (o *Overflow) Drain() []*models.URLTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.URLTask, 0, len(o.items))
	for i := len(o.items) - 1; i >= 0; i-- {
		out = append(out, o.items[i])
	}
	o.items = nil
	return out
}

// PushWithRetry tries q up to attempts times, sleeping backoff between
// tries, and falls back to ov. Returns true if the task landed in q.
func PushWithRetry(ctx context.Context, q *BoundedPriorityQueue, ov *Overflow, task *models.URLTask, attempts int, backoff time.Duration) bool {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if q.TryAdd(task) {
			return true
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			ov.Push(task)
			return false
		case <-time.After(backoff):
		}
	}
	ov.Push(task)
	return false
}

// Next pops from ov first, then waits on q for at most wait.
func Next(ctx context.Context, q *BoundedPriorityQueue, ov *Overflow, wait time.Duration) (*models.URLTask, bool) {
	if task, ok := ov.Pop(); ok {
		return task, true
	}
	popCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return q.Pop(popCtx)
}
