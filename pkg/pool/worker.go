package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sriram-PR/harvester/pkg/models"
)

// worker is one slot of the pool. A slot is replaced, never reused, when it
// is recycled; the retired goroutine exits after its current task.
type worker struct {
	id   int
	gen  int
	name string

	mu      sync.Mutex
	task    *models.URLTask
	busy    bool
	status  models.DownloadStatus
	start   time.Time
	cancel  context.CancelFunc
	settle  func()
	retired bool

	// lastCrash is the signature of the previous task's crash, "" after a
	// task that finished normally. Only the slot's own goroutine uses it.
	lastCrash string
}

func newWorker(id, gen int) *worker {
	return &worker{id: id, gen: gen, name: fmt.Sprintf("worker-%d.%d", id, gen)}
}

func (w *worker) begin(task *models.URLTask, cancel context.CancelFunc, settle func()) {
	w.mu.Lock()
	w.settle = settle
	w.task = task
	w.busy = true
	w.status = models.StatusNotAttempted
	w.start = time.Now()
	w.cancel = cancel
	w.mu.Unlock()
}

func (w *worker) end(status models.DownloadStatus) {
	w.mu.Lock()
	w.busy = false
	w.status = status
	w.cancel = nil
	w.settle = nil
	w.mu.Unlock()
}

// retire stops the slot, cancels its task and settles it. Returns the task
// if it was busy.
func (w *worker) retire() *models.URLTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retired = true
	if w.cancel != nil {
		w.cancel()
	}
	if !w.busy {
		return nil
	}
	if w.settle != nil {
		w.settle()
	}
	return w.task
}

func (w *worker) isRetired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retired
}

func (w *worker) isBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// hungSince reports whether the current task started before deadline
func (w *worker) hungSince(deadline time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy && !w.retired && w.start.Before(deadline)
}

func (w *worker) snapshot() models.WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return models.WorkerSnapshot{
		ID:        w.id,
		Task:      w.task,
		Busy:      w.busy,
		Status:    w.status,
		StartTime: w.start,
	}
}
