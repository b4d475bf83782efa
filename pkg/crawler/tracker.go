package crawler

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/queue"
)

type role int

const (
	roleCrawler role = iota
	roleFetcher
)

func (r role) String() string {
	if r == roleCrawler {
		return "crawler"
	}
	return "fetcher"
}

// tracker is one goroutine draining the queue of its role
type tracker struct {
	id   int
	role role
	name string

	busy atomic.Bool
	// locked is set when the tracker's last push spilled into an overflow
	// buffer while the other queue was full too.
	locked atomic.Bool
}

// spawn starts a tracker of role r unless the max_trackers ceiling is
// reached.
func (s *Scheduler) spawn(r role) bool {
	s.trackersMu.Lock()
	if len(s.trackers) >= s.cfg.MaxTrackers {
		s.trackersMu.Unlock()
		return false
	}
	t := &tracker{id: len(s.trackers) + 1, role: r}
	t.name = fmt.Sprintf("%s-%d", r, t.id)
	s.trackers = append(s.trackers, t)
	s.trackersMu.Unlock()

	ctx := s.groupCtx
	s.group.Go(func() error {
		s.runTracker(ctx, t)
		return nil
	})
	return true
}

func (s *Scheduler) queuesFor(r role) (*queue.BoundedPriorityQueue, *queue.Overflow) {
	if r == roleCrawler {
		return s.crawlQ, s.crawlOv
	}
	return s.fetchQ, s.fetchOv
}

func (s *Scheduler) runTracker(ctx context.Context, t *tracker) {
	tlog := s.log.WithField("tracker", t.name)
	tlog.Debug("Tracker starting")
	defer tlog.Debug("Tracker finished")

	q, ov := s.queuesFor(t.role)
	for ctx.Err() == nil {
		task, ok := queue.Next(ctx, q, ov, s.cfg.PollInterval)
		if !ok {
			continue
		}
		t.busy.Store(true)
		t.locked.Store(false)
		s.touch()

		s.process(ctx, t, task, tlog)

		s.outstanding.Add(-1)
		t.busy.Store(false)
	}
}

func (s *Scheduler) process(ctx context.Context, t *tracker, task *models.URLTask, tlog *logrus.Entry) {
	taskLog := tlog.WithFields(logrus.Fields{"url": task.URL, "depth": task.Depth})
	defer func() {
		if r := recover(); r != nil {
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered in tracker")
			s.store.RecordOutcome(task, models.StatusFailed, "")
		}
	}()

	if t.role == roleCrawler {
		s.crawl(ctx, t, task, taskLog)
		return
	}
	s.dispatch(ctx, task, taskLog)
}

// crawl downloads a page, then admits and queues the links it carries
func (s *Scheduler) crawl(ctx context.Context, t *tracker, task *models.URLTask, taskLog *logrus.Entry) {
	out := s.dl.Download(ctx, task)
	if out.Status == models.StatusNotAttempted && ctx.Err() != nil {
		// Interrupted; keep it for the resume snapshot.
		s.crawlOv.Push(task)
		return
	}
	if out.Status.IsFailure() || out.Status == models.StatusBlocked || len(out.Data) == 0 {
		return
	}

	children, err := s.extractor.Extract(out.Data, task.URL)
	if err != nil {
		taskLog.Warnf("Link extraction failed: %v", err)
		return
	}

	admitted := 0
	for i := range children {
		child := &children[i]
		if !s.rules.SeeLink(child.URL) {
			continue
		}
		child.Depth = task.Depth + 1
		if blocked, _ := s.rules.Admit(ctx, child); blocked {
			continue
		}
		if u, err := url.Parse(child.URL); err == nil {
			child.Priority = s.rules.Priority(u)
		}
		child.Index = s.nextIndex.Add(1)
		s.push(ctx, t, child)
		admitted++
	}
	taskLog.WithFields(logrus.Fields{
		"status":   out.Status,
		"links":    len(children),
		"admitted": admitted,
	}).Debug("Page crawled")
}

// dispatch hands a non-page resource to the worker pool, split into byte
// ranges when the server allows it, or downloads it directly when the
// pool is disabled.
func (s *Scheduler) dispatch(ctx context.Context, task *models.URLTask, taskLog *logrus.Entry) {
	if s.pool == nil {
		out := s.dl.Download(ctx, task)
		if out.Status == models.StatusNotAttempted && ctx.Err() != nil {
			s.fetchOv.Push(task)
		}
		return
	}
	if ranges := s.planParts(ctx, task, taskLog); ranges != nil {
		taskLog.WithField("parts", len(ranges)).Debug("Submitting multi-part download")
		s.pool.SubmitParts(task, ranges)
		return
	}
	s.pool.Submit(task)
}

// planParts probes task's size and returns its ranges, or nil when it
// should be fetched whole.
func (s *Scheduler) planParts(ctx context.Context, task *models.URLTask, taskLog *logrus.Entry) []models.ByteRange {
	if !s.cfg.MultipartEnabled() || task.Type.IsPage() || task.Range != nil {
		return nil
	}
	u, err := url.Parse(task.URL)
	if err != nil {
		return nil
	}
	size, err := s.conn.Probe(ctx, task.URL)
	if err != nil {
		taskLog.Debugf("Size probe failed, fetching whole: %v", err)
		return nil
	}
	if size < s.cfg.MultipartMinSize || !s.conn.SupportsRanges(parse.HostPort(u)) {
		return nil
	}
	return splitRanges(size, s.cfg.NumParts)
}

// splitRanges divides size bytes into n contiguous inclusive ranges; the
// last range takes the remainder.
func splitRanges(size int64, n int) []models.ByteRange {
	if n < 2 || size < int64(n) {
		return nil
	}
	chunk := size / int64(n)
	ranges := make([]models.ByteRange, n)
	for i := range ranges {
		start := int64(i) * chunk
		end := start + chunk - 1
		if i == n-1 {
			end = size - 1
		}
		ranges[i] = models.ByteRange{Start: start, End: end}
	}
	return ranges
}

// push queues task for the tracker role that handles its type. Pages go
// to the crawl queue, everything else to the fetch queue.
func (s *Scheduler) push(ctx context.Context, t *tracker, task *models.URLTask) {
	q, ov, other := s.crawlQ, s.crawlOv, s.fetchQ
	if !task.Type.IsPage() {
		q, ov, other = s.fetchQ, s.fetchOv, s.crawlQ
	}
	s.outstanding.Add(1)
	if queue.PushWithRetry(ctx, q, ov, task, pushAttempts, s.pushBackoff) {
		s.touch()
		return
	}
	if t != nil && other.Full() && !t.locked.Swap(true) {
		s.log.WithFields(logrus.Fields{"tracker": t.name, "url": task.URL}).Debug("Tracker locked: both queues full")
	}
}

// relieveLocked spawns one more tracker for a role whose trackers are all
// (or all but one) locked, up to max_trackers.
func (s *Scheduler) relieveLocked() {
	for _, r := range []role{roleCrawler, roleFetcher} {
		total, locked := s.countRole(r)
		if locked == 0 || locked < total-1 {
			continue
		}
		if !s.spawn(r) {
			continue
		}
		s.clearLocked(r)
		s.log.WithFields(logrus.Fields{"role": r, "locked": locked, "total": total + 1}).Info("Spawned tracker to relieve saturated queues")
	}
}

func (s *Scheduler) countRole(r role) (total, locked int) {
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	for _, t := range s.trackers {
		if t.role != r {
			continue
		}
		total++
		if t.locked.Load() {
			locked++
		}
	}
	return total, locked
}

func (s *Scheduler) clearLocked(r role) {
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	for _, t := range s.trackers {
		if t.role == r {
			t.locked.Store(false)
		}
	}
}
