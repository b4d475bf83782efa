// Package pool is the bounded worker pool that downloads non-page
// resources, suppresses duplicate work and reassembles multi-part fetches.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/config"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/queue"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

const (
	queueSlack   = 5
	pushAttempts = 5
	pushBackoff  = 500 * time.Millisecond
)

// Downloader performs and files downloads for the pool
type Downloader interface {
	Download(ctx context.Context, task *models.URLTask) models.FetchOutcome
	Complete(task *models.URLTask, fragments []models.Fragment) models.FetchOutcome
	Fail(task *models.URLTask, err error) models.FetchOutcome
	// Target is the path task would be saved to, or "" if it has none
	Target(task *models.URLTask) string
}

// Ledger is the duplicate-suppression view of the download ledger
type Ledger interface {
	Claim(worker, key string) bool
	Release(worker string)
	IsSaved(path string) bool
}

// Pool runs a fixed number of worker slots over a bounded queue backed by
// an overflow buffer.
type Pool struct {
	size     int
	timeout  time.Duration
	interval time.Duration
	dl       Downloader
	ledger   Ledger
	log      *logrus.Entry

	pushAttempts int
	pushBackoff  time.Duration

	q  *queue.BoundedPriorityQueue
	ov *queue.Overflow

	mu      sync.Mutex
	workers []*worker

	asm *assembler

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closing    atomic.Bool
	lastReport atomic.Int64
	// outstanding counts submitted tasks not yet settled
	outstanding atomic.Int64
}

// New creates a pool of cfg.NumWorkers slots
func New(cfg *config.AppConfig, dl Downloader, ledger Ledger, log *logrus.Entry) *Pool {
	log = log.WithField("component", "pool")
	size := cfg.NumWorkers
	if size <= 0 {
		size = 1
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	p := &Pool{
		size:     size,
		timeout:  cfg.WorkerTimeout,
		interval: interval,
		dl:       dl,
		ledger:   ledger,
		log:      log,

		pushAttempts: pushAttempts,
		pushBackoff:  pushBackoff,

		q:        queue.NewBoundedPriorityQueue(size+queueSlack, log),
		ov:       &queue.Overflow{},
	}
	p.asm = newAssembler(dl, log)
	p.lastReport.Store(time.Now().UnixNano())
	return p
}

// Start launches the worker slots and the hung-worker supervisor
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.mu.Lock()
	p.workers = make([]*worker, p.size)
	for i := range p.workers {
		p.workers[i] = newWorker(i, 0)
		p.spawn(p.workers[i])
	}
	p.mu.Unlock()

	if p.timeout > 0 {
		go p.supervise()
	}
	p.log.WithFields(logrus.Fields{"workers": p.size, "queue_cap": p.q.Cap()}).Info("Worker pool started")
}

// spawn starts w's goroutine; callers hold p.mu
func (p *Pool) spawn(w *worker) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(w)
	}()
}

// Submit queues task, retrying a full queue briefly before spilling it
// into the overflow buffer.
func (p *Pool) Submit(task *models.URLTask) {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	p.outstanding.Add(1)
	if !queue.PushWithRetry(ctx, p.q, p.ov, task, p.pushAttempts, p.pushBackoff) {
		p.log.WithField("url", task.URL).Debug("Queue full, task moved to overflow buffer")
	}
}

// SubmitParts splits task into the given ranges and queues each part. The
// parts are reassembled into one download once all have reported.
func (p *Pool) SubmitParts(task *models.URLTask, ranges []models.ByteRange) {
	if len(ranges) < 2 {
		p.Submit(task)
		return
	}
	if !p.asm.register(task, ranges) {
		p.log.WithField("url", task.URL).Debug("Multi-part download already registered")
		return
	}
	for _, r := range ranges {
		p.Submit(task.WithRange(r, len(ranges)))
	}
}

func (p *Pool) run(w *worker) {
	wlog := p.log.WithField("worker", w.name)
	for {
		if p.ctx.Err() != nil || w.isRetired() {
			return
		}
		task, ok := queue.Next(p.ctx, p.q, p.ov, p.interval)
		if !ok {
			if p.closing.Load() && p.Pending() == 0 {
				return
			}
			continue
		}
		p.process(w, task, wlog)
	}
}

func claimKey(task *models.URLTask) string {
	if task.Range == nil {
		return task.URL
	}
	return fmt.Sprintf("%s#%d-%d", task.URL, task.Range.Start, task.Range.End)
}

func (p *Pool) settler() func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.outstanding.Add(-1) })
	}
}

// process runs one task on w. A crash is recovered and the slot keeps
// running; a crash matching the previous one marks the task fatal.
func (p *Pool) process(w *worker, task *models.URLTask, wlog *logrus.Entry) {
	settle := p.settler()
	defer settle()

	taskLog := wlog.WithField("url", task.URL)
	if !p.ledger.Claim(w.name, claimKey(task)) {
		taskLog.Debug("Already in flight on another worker, skipping")
		return
	}
	defer p.ledger.Release(w.name)

	if !task.IsPart() {
		if target := p.dl.Target(task); target != "" && p.ledger.IsSaved(target) {
			taskLog.WithField("path", target).Debug("Already saved, skipping")
			return
		}
	}

	taskCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	w.begin(task, cancel, settle)

	outcome, fault := p.safeDownload(taskCtx, task)
	p.lastReport.Store(time.Now().UnixNano())

	if fault != nil {
		w.end(models.StatusFailed)
		panicErr := fault.err
		repeated := w.lastCrash == fault.signature
		w.lastCrash = fault.signature
		if repeated {
			taskLog.Errorf("Worker crashed twice in a row with %s, likely not recoverable: %v", fault.signature, panicErr)
		} else {
			taskLog.Errorf("Worker recovered from crash: %v", panicErr)
		}
		switch {
		case task.IsPart():
			p.asm.collect(task, models.FetchOutcome{Status: models.StatusFailed, Err: panicErr})
		case repeated:
			fatal := *task
			fatal.Fatal = true
			p.dl.Fail(&fatal, panicErr)
		default:
			p.dl.Fail(task, panicErr)
		}
		return
	}

	w.end(outcome.Status)
	w.lastCrash = ""
	if task.IsPart() {
		p.asm.collect(task, outcome)
	}
}

// crash is a recovered panic. signature identifies the kind of fault
// independently of the task it hit.
type crash struct {
	err       error
	signature string
}

func crashSignature(r any) string {
	if rerr, ok := r.(runtime.Error); ok {
		return fmt.Sprintf("%T: %s", r, rerr.Error())
	}
	if err, ok := r.(error); ok {
		return fmt.Sprintf("%T: %s", r, utils.CategorizeError(err))
	}
	return fmt.Sprintf("%T", r)
}

func (p *Pool) safeDownload(ctx context.Context, task *models.URLTask) (outcome models.FetchOutcome, c *crash) {
	defer func() {
		if r := recover(); r != nil {
			c = &crash{
				err:       utils.WrapErrorf(utils.ErrWorkerPanic, "%v", r),
				signature: crashSignature(r),
			}
		}
	}()
	return p.dl.Download(ctx, task), nil
}

// replace retires w and starts a fresh slot with the same id
func (p *Pool) replace(w *worker, reason string) *models.URLTask {
	task := w.retire()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.id] != w || p.ctx.Err() != nil {
		return task
	}
	fresh := newWorker(w.id, w.gen+1)
	p.workers[w.id] = fresh
	p.spawn(fresh)
	p.log.WithFields(logrus.Fields{"worker": w.name, "replacement": fresh.name, "reason": reason}).Warn("Worker slot recycled")
	return task
}

func (p *Pool) supervise() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.RecycleHung(now)
		}
	}
}

// RecycleHung replaces every worker whose task started more than the
// worker timeout before now. Their tasks are recorded as transient failures.
func (p *Pool) RecycleHung(now time.Time) int {
	if p.timeout <= 0 {
		return 0
	}
	deadline := now.Add(-p.timeout)
	var hung []*worker
	p.mu.Lock()
	for _, w := range p.workers {
		if w.hungSince(deadline) {
			hung = append(hung, w)
		}
	}
	p.mu.Unlock()

	for _, w := range hung {
		if task := p.replace(w, "hung"); task != nil {
			p.failHung(task)
		}
	}
	return len(hung)
}

// TerminateBusy cancels every in-flight task and replaces its slot
func (p *Pool) TerminateBusy() int {
	var busy []*worker
	p.mu.Lock()
	for _, w := range p.workers {
		if w.isBusy() {
			busy = append(busy, w)
		}
	}
	p.mu.Unlock()

	for _, w := range busy {
		if task := p.replace(w, "terminated"); task != nil {
			p.failHung(task)
		}
	}
	if len(busy) > 0 {
		p.log.Errorf("Terminated %d busy workers", len(busy))
	}
	return len(busy)
}

func (p *Pool) failHung(task *models.URLTask) {
	err := utils.WrapErrorf(utils.ErrWorkerHung, "%s", task.URL)
	if task.IsPart() {
		p.asm.collect(task, models.FetchOutcome{Status: models.StatusFailed, Err: err})
		return
	}
	p.dl.Fail(task, err)
}

// IsBlocked reports whether every submitted task has settled
func (p *Pool) IsBlocked() bool {
	return p.outstanding.Load() <= 0
}

// HasBusyWorkers reports whether any slot is running a task
func (p *Pool) HasBusyWorkers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.isBusy() {
			return true
		}
	}
	return false
}

// Pending returns the number of queued tasks, overflow included
func (p *Pool) Pending() int {
	return p.q.Len() + p.ov.Len()
}

// LastReportTime is when a worker last finished a task
func (p *Pool) LastReportTime() time.Time {
	return time.Unix(0, p.lastReport.Load())
}

// Shutdown lets the workers drain the queue for up to timeout, then
// cancels whatever is still running. Returns true on a clean drain.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.closing.Store(true)
	p.q.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	clean := true
	select {
	case <-done:
	case <-time.After(timeout):
		clean = false
		p.log.Warnf("Pool did not drain within %v, cancelling workers", timeout)
	}
	if p.cancel != nil {
		p.cancel()
	}
	return clean
}

// Stop cancels all workers immediately, leaving queued tasks in place for
// Snapshot.
func (p *Pool) Stop() {
	p.closing.Store(true)
	if p.cancel != nil {
		p.cancel()
	}
	p.q.Close()
}

// Snapshot captures queued tasks and worker state. Queued tasks are
// removed from the pool; call it once the pool is stopped.
func (p *Pool) Snapshot() models.PoolSnapshot {
	snap := models.PoolSnapshot{TakenAt: time.Now()}
	queued := append(p.ov.Drain(), p.q.Drain()...)
	for _, t := range queued {
		if !t.IsPart() {
			snap.Pending = append(snap.Pending, t)
		}
	}
	// Parts are resumed as whole downloads.
	snap.Pending = append(snap.Pending, p.asm.unfinished()...)

	p.mu.Lock()
	for _, w := range p.workers {
		ws := w.snapshot()
		if ws.Task != nil && ws.Task.IsPart() {
			ws.Task = nil // covered by the unfinished whole task
		}
		snap.Workers = append(snap.Workers, ws)
	}
	p.mu.Unlock()
	return snap
}

// Restore re-queues everything a snapshot left outstanding
func (p *Pool) Restore(snap *models.PoolSnapshot) int {
	if snap == nil {
		return 0
	}
	tasks := snap.Outstanding()
	for _, t := range tasks {
		p.Submit(t)
	}
	p.log.WithField("tasks", len(tasks)).Info("Restored pool snapshot")
	return len(tasks)
}
