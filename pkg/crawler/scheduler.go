// Package crawler drives a project: trackers move tasks between the crawl
// and fetch queues, the worker pool downloads resources, and a monitor loop
// decides when the project is finished.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/harvester/pkg/cache"
	"github.com/Sriram-PR/harvester/pkg/config"
	"github.com/Sriram-PR/harvester/pkg/download"
	"github.com/Sriram-PR/harvester/pkg/extract"
	"github.com/Sriram-PR/harvester/pkg/fetch"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/pool"
	"github.com/Sriram-PR/harvester/pkg/queue"
	"github.com/Sriram-PR/harvester/pkg/rules"
	"github.com/Sriram-PR/harvester/pkg/storage"
	"github.com/Sriram-PR/harvester/pkg/utils"
	"github.com/Sriram-PR/harvester/pkg/watchdog"
)

// State is a step of the exit state machine
type State string

const (
	StateRunning  State = "RUNNING"
	StateBlocked  State = "BLOCKED"
	StateDraining State = "DRAINING_SUBTHREADS"
	StateTimedOut State = "TIMED_OUT"
	StateDone     State = "DONE"
)

const (
	queueFactor        = 4
	pushAttempts       = 5
	pushBackoff        = 500 * time.Millisecond
	doneConfirmations  = 3
	joinTimeout        = 10 * time.Second
	terminatedByCancel = "cancelled"
	progressInterval   = 30 * time.Second
)

// Persistence is what the scheduler stores between runs
type Persistence interface {
	storage.CachePersistence
	storage.SnapshotStore
}

// Deps are the collaborators a Scheduler is built from. Connector is
// required; the rest fall back to defaults when nil.
type Deps struct {
	Connector fetch.Connector
	Extractor extract.Extractor
	Store     *cache.Store
	Persist   Persistence
	Sinks     []models.StatsSink
}

// workPool is the part of the worker pool the scheduler drives
type workPool interface {
	Start(ctx context.Context)
	Submit(task *models.URLTask)
	SubmitParts(task *models.URLTask, ranges []models.ByteRange)
	IsBlocked() bool
	HasBusyWorkers() bool
	LastReportTime() time.Time
	TerminateBusy() int
	Shutdown(timeout time.Duration) bool
	Stop()
	Snapshot() models.PoolSnapshot
	Restore(snap *models.PoolSnapshot) int
}

// Scheduler runs one crawl project. It is not reusable: create a new one
// per run.
type Scheduler struct {
	cfg   *config.AppConfig
	runID string
	seeds []*url.URL
	log   *logrus.Entry

	conn      fetch.Connector
	extractor extract.Extractor
	rules     *rules.Engine
	store     *cache.Store
	dl        *download.Manager
	pool      workPool
	persist   Persistence
	sinks     []models.StatsSink

	crawlQ  *queue.BoundedPriorityQueue
	crawlOv *queue.Overflow
	fetchQ  *queue.BoundedPriorityQueue
	fetchOv *queue.Overflow

	pushBackoff time.Duration

	trackersMu sync.Mutex
	trackers   []*tracker
	group      *errgroup.Group
	groupCtx   context.Context

	nextIndex    atomic.Int64
	outstanding  atomic.Int64 // queued or in-progress tracker tasks
	lastActivity atomic.Int64 // unix nanos of the last successful queue operation

	state        atomic.Value // State
	confirms     int
	blockedSince time.Time

	stop       context.CancelFunc
	stopMu     sync.Mutex
	stopReason string

	resume *models.PoolSnapshot
}

// NewScheduler validates seeds and wires the rules engine, download
// manager and worker pool for cfg. cfg must already be validated.
func NewScheduler(cfg *config.AppConfig, deps Deps, log *logrus.Entry) (*Scheduler, error) {
	if deps.Connector == nil {
		return nil, fmt.Errorf("%w: scheduler needs a connector", utils.ErrConfigValidation)
	}
	runID := uuid.NewString()
	log = log.WithFields(logrus.Fields{"project": cfg.Project, "run_id": runID})

	seeds := make([]*url.URL, 0, len(cfg.StartURLs))
	seen := make(map[string]struct{}, len(cfg.StartURLs))
	for _, raw := range cfg.StartURLs {
		norm, u, err := parse.ParseAndNormalize(raw)
		if err != nil {
			log.WithField("url", raw).Warnf("Skipping invalid start URL: %v", err)
			continue
		}
		if _, dup := seen[norm]; dup {
			log.WithField("url", raw).Warn("Duplicate start URL. Skipping.")
			continue
		}
		seen[norm] = struct{}{}
		seeds = append(seeds, u)
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: no valid start_urls for project '%s'", utils.ErrConfigValidation, cfg.Project)
	}

	conn := deps.Connector
	if cfg.Simulate {
		conn = fetch.NewSimulator(conn, log)
	}
	engine, err := rules.NewEngine(cfg, seeds, conn, log)
	if err != nil {
		return nil, err
	}

	store := deps.Store
	if store == nil {
		store = cache.NewStore(cache.Options{PageCache: cfg.PageCacheEnabled(), DataCache: cfg.DataCache}, log)
	}
	extractor := deps.Extractor
	if extractor == nil {
		extractor = extract.NewHTMLExtractor(log)
	}
	dl := download.NewManager(conn, store, engine, download.Options{
		ProjectDir: cfg.ProjectDir,
		Simulate:   cfg.Simulate,
		DataCache:  cfg.DataCache,
	}, log)

	capacity := queueFactor * cfg.TrackerCount()
	s := &Scheduler{
		cfg:         cfg,
		runID:       runID,
		seeds:       seeds,
		log:         log.WithField("component", "scheduler"),
		conn:        conn,
		extractor:   extractor,
		rules:       engine,
		store:       store,
		dl:          dl,
		persist:     deps.Persist,
		sinks:       deps.Sinks,
		crawlQ:      queue.NewBoundedPriorityQueue(capacity, log.WithField("queue", "crawl")),
		crawlOv:     &queue.Overflow{},
		fetchQ:      queue.NewBoundedPriorityQueue(capacity, log.WithField("queue", "fetch")),
		fetchOv:     &queue.Overflow{},
		pushBackoff: pushBackoff,
	}
	if cfg.NumWorkers > 0 {
		s.pool = pool.New(cfg, dl, store, log)
	}
	s.state.Store(StateRunning)
	return s, nil
}

// RunID identifies this run in logs and reports
func (s *Scheduler) RunID() string {
	return s.runID
}

// State returns the current exit-machine state
func (s *Scheduler) State() State {
	return s.state.Load().(State)
}

func (s *Scheduler) setState(st State) {
	if prev := s.State(); prev != st {
		s.log.WithFields(logrus.Fields{"from": prev, "to": st}).Debug("Scheduler state change")
		s.state.Store(st)
	}
}

// Resume makes the next Run continue from snap instead of the seeds.
// Call before Run.
func (s *Scheduler) Resume(snap *models.PoolSnapshot) {
	s.resume = snap
}

// Terminate asks a running crawl to stop. The first reason wins.
func (s *Scheduler) Terminate(reason string) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopReason == "" {
		s.stopReason = reason
		s.log.WithField("reason", reason).Warn("Termination requested")
	}
	if s.stop != nil {
		s.stop()
	}
}

func (s *Scheduler) terminationReason() string {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopReason
}

func (s *Scheduler) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Run crawls until the project is done, times out, hits a watchdog limit
// or ctx is cancelled. A terminal report is produced on every path; the
// returned error is ctx's error when the caller cancelled.
func (s *Scheduler) Run(ctx context.Context) (models.CrawlStats, error) {
	start := time.Now()
	defer s.rules.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	s.stopMu.Lock()
	s.stop = stop
	reason := s.stopReason
	s.stopMu.Unlock()
	if reason != "" {
		stop()
	}

	s.log.WithFields(logrus.Fields{
		"seeds":       len(s.seeds),
		"crawlers":    s.cfg.NumCrawlers,
		"fetchers":    s.cfg.NumFetchers,
		"workers":     s.cfg.NumWorkers,
		"fetch_level": s.cfg.FetchLevel,
		"resume":      s.resume != nil,
	}).Info("Crawl starting")

	s.loadCache()

	// Watchdog runs until the crawl ends, whatever the path.
	wdCtx, stopWatchdog := context.WithCancel(ctx)
	wd := watchdog.New(watchdog.Limits{
		TimeLimit: s.cfg.TimeLimit,
		MaxFiles:  s.cfg.MaxFiles,
		Interval:  time.Second,
	}, s.store, s.Terminate, s.log)
	go wd.Run(wdCtx)

	if s.pool != nil {
		s.pool.Start(runCtx)
	}
	s.touch()
	s.seed(runCtx)

	s.group, s.groupCtx = errgroup.WithContext(runCtx)
	for i := 0; i < s.cfg.NumCrawlers; i++ {
		s.spawn(roleCrawler)
	}
	for i := 0; i < s.cfg.NumFetchers; i++ {
		s.spawn(roleFetcher)
	}

	final := s.monitor(runCtx)
	stopWatchdog()

	termination := s.shutdown(ctx, final)
	stats := s.report(termination, time.Since(start))

	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, nil
}

// seed queues the start URLs, or the resumed snapshot's tasks
func (s *Scheduler) seed(ctx context.Context) {
	if snap := s.resume; snap != nil {
		if snap.NextIndex > s.nextIndex.Load() {
			s.nextIndex.Store(snap.NextIndex)
		}
		restored := 0
		for _, t := range snap.Scheduled {
			s.rules.MarkSeen(t.URL)
			s.push(ctx, nil, t)
			restored++
		}
		if s.pool != nil {
			for _, t := range snap.Outstanding() {
				s.rules.MarkSeen(t.URL)
			}
			restored += s.pool.Restore(snap)
		} else {
			for _, t := range snap.Outstanding() {
				s.rules.MarkSeen(t.URL)
				s.push(ctx, nil, t)
				restored++
			}
		}
		s.log.WithField("tasks", restored).Info("Resumed from saved snapshot")
		if restored > 0 {
			return
		}
	}

	for _, u := range s.seeds {
		norm := parse.NormalizeURL(u)
		s.rules.MarkSeen(norm)
		task := &models.URLTask{
			URL:   norm,
			Type:  models.TypeWebpage,
			Index: s.nextIndex.Add(1),
		}
		s.log.WithField("url", norm).Info("Adding start URL to crawl queue (depth 0)")
		s.push(ctx, nil, task)
	}
}

func (s *Scheduler) loadCache() {
	if s.persist == nil || !s.cfg.PageCacheEnabled() {
		return
	}
	entries, err := s.persist.Load(s.cfg.Project)
	if err != nil {
		s.log.Warnf("Could not load project cache, starting empty: %v", err)
		return
	}
	s.store.Seed(entries)
}

// monitor polls the exit state machine until DONE, TIMED_OUT or a
// termination request.
func (s *Scheduler) monitor(ctx context.Context) State {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	progress := time.NewTicker(progressInterval)
	defer progress.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.State()
		case <-progress.C:
			s.logProgress()
		case now := <-ticker.C:
			st := s.evaluate(now)
			if st == StateDone || st == StateTimedOut {
				return st
			}
			s.relieveLocked()
		}
	}
}

// evaluate advances the exit state machine by one poll
func (s *Scheduler) evaluate(now time.Time) State {
	last := time.Unix(0, s.lastActivity.Load())
	if s.pool != nil {
		if r := s.pool.LastReportTime(); r.After(last) {
			last = r
		}
	}
	if s.cfg.ProjectTimeout > 0 && now.Sub(last) > s.cfg.ProjectTimeout {
		s.log.WithField("idle", now.Sub(last).Round(time.Second)).Warn("No queue activity within project timeout")
		s.setState(StateTimedOut)
		return StateTimedOut
	}

	if !s.trackersIdle() {
		s.confirms = 0
		s.blockedSince = time.Time{}
		s.setState(StateRunning)
		return StateRunning
	}
	if s.blockedSince.IsZero() {
		s.blockedSince = now
	}

	if s.pool == nil || (s.pool.IsBlocked() && !s.pool.HasBusyWorkers()) {
		s.confirms++
		if s.confirms >= doneConfirmations {
			s.setState(StateDone)
			return StateDone
		}
		s.setState(StateBlocked)
		return StateBlocked
	}

	// Trackers are idle but the pool still has work.
	s.confirms = 0
	s.setState(StateDraining)
	stalled := s.blockedSince
	if r := s.pool.LastReportTime(); r.After(stalled) {
		stalled = r
	}
	if s.pool.HasBusyWorkers() && now.Sub(stalled) > s.cfg.HungPoolGrace {
		n := s.pool.TerminateBusy()
		s.log.WithFields(logrus.Fields{"workers": n, "grace": s.cfg.HungPoolGrace}).Error("Worker pool made no progress, terminated busy workers")
		s.blockedSince = now
	}
	return StateDraining
}

// trackersIdle reports whether no tracker is working and nothing is left
// in either queue.
func (s *Scheduler) trackersIdle() bool {
	if s.outstanding.Load() > 0 {
		return false
	}
	s.trackersMu.Lock()
	defer s.trackersMu.Unlock()
	for _, t := range s.trackers {
		if t.busy.Load() {
			return false
		}
	}
	return true
}

// shutdown joins the trackers and the pool, runs the retry pass on a clean
// finish, and persists cache and resume state. Returns the termination
// label for the report.
func (s *Scheduler) shutdown(parent context.Context, final State) string {
	reason := s.terminationReason()
	switch {
	case final == StateDone:
		reason = "done"
	case final == StateTimedOut:
		reason = "timed out"
	case reason == "":
		reason = terminatedByCancel
	}
	s.setState(final)
	s.log.WithFields(logrus.Fields{"state": final, "reason": reason}).Info("Crawl stopping")

	// Stop the trackers first so nothing new reaches the pool.
	s.stopMu.Lock()
	s.stop()
	s.stopMu.Unlock()
	s.crawlQ.Close()
	s.fetchQ.Close()
	s.joinTrackers()

	clean := final == StateDone
	if s.pool != nil {
		if clean {
			s.pool.Shutdown(joinTimeout)
		} else {
			s.pool.Stop()
		}
	}

	if clean {
		if s.cfg.RetryFailed && parent.Err() == nil {
			s.retryFailed(parent)
		}
		if s.persist != nil {
			if err := s.persist.ClearPoolSnapshot(s.cfg.Project); err != nil {
				s.log.Warnf("Failed to clear resume snapshot: %v", err)
			}
		}
	} else {
		s.saveSnapshot()
	}

	s.persistCache()
	return reason
}

func (s *Scheduler) joinTrackers() {
	if s.group == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		s.log.Errorf("Trackers did not stop within %v, abandoning them", joinTimeout)
	}
}

// saveSnapshot persists undispatched queue tasks and the pool state so a
// later resume can continue.
func (s *Scheduler) saveSnapshot() {
	var snap models.PoolSnapshot
	if s.pool != nil {
		snap = s.pool.Snapshot()
	} else {
		snap.TakenAt = time.Now()
	}
	snap.Scheduled = append(snap.Scheduled, s.crawlOv.Drain()...)
	snap.Scheduled = append(snap.Scheduled, s.crawlQ.Drain()...)
	snap.Scheduled = append(snap.Scheduled, s.fetchOv.Drain()...)
	snap.Scheduled = append(snap.Scheduled, s.fetchQ.Drain()...)
	snap.NextIndex = s.nextIndex.Load()

	if s.persist == nil {
		return
	}
	if err := s.persist.SavePoolSnapshot(s.cfg.Project, &snap); err != nil {
		s.log.Errorf("Failed to save resume snapshot: %v", err)
		return
	}
	s.log.WithFields(logrus.Fields{
		"pending":   len(snap.Pending),
		"scheduled": len(snap.Scheduled),
	}).Info("Saved resume snapshot")
}

func (s *Scheduler) persistCache() {
	if s.persist == nil || !s.cfg.PageCacheEnabled() || !s.store.NeedsPersist() {
		return
	}
	if err := s.persist.Save(s.cfg.Project, s.store.Entries()); err != nil {
		s.log.Errorf("Failed to persist project cache: %v", err)
		return
	}
	s.log.Debug("Project cache persisted")
}

// retryFailed downloads every non-fatal failure once more. Tasks failing
// again become fatal.
func (s *Scheduler) retryFailed(ctx context.Context) {
	candidates := s.store.RetryCandidates()
	if len(candidates) == 0 {
		return
	}
	s.log.WithField("tasks", len(candidates)).Info("Retrying failed downloads")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.NumFetchers)
	for _, task := range candidates {
		g.Go(func() error {
			s.store.MarkRetried(task.URL)
			out := s.dl.Download(gctx, task)
			if out.Status.IsFailure() {
				s.store.MarkFatal(task.URL)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warnf("Retry pass ended early: %v", err)
	}
}
