// Package watchdog enforces the project-wide time and file ceilings.
package watchdog

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Termination reasons passed to the terminate callback
const (
	ReasonTimeLimit = "time limit"
	ReasonFileLimit = "file limit"
)

// Limits are the ceilings the watchdog enforces. Zero disables a check.
type Limits struct {
	TimeLimit time.Duration
	MaxFiles  int
	Interval  time.Duration // Poll interval, default 1s
}

// Ledger is the saved-file view of the download ledger
type Ledger interface {
	SavedCount() int
	TrimSaved(max int) []string
}

// Watchdog polls the ledger and the clock and ends the project when a
// ceiling is reached.
type Watchdog struct {
	limits    Limits
	ledger    Ledger
	terminate func(reason string)
	log       *logrus.Entry

	start time.Time
	once  sync.Once
	fired string
	mu    sync.Mutex
}

// New creates a watchdog; terminate is called at most once
func New(limits Limits, ledger Ledger, terminate func(reason string), log *logrus.Entry) *Watchdog {
	if limits.Interval <= 0 {
		limits.Interval = time.Second
	}
	return &Watchdog{
		limits:    limits,
		ledger:    ledger,
		terminate: terminate,
		log:       log.WithField("component", "watchdog"),
		start:     time.Now(),
	}
}

// Run polls until ctx is done
func (w *Watchdog) Run(ctx context.Context) {
	w.start = time.Now()
	w.log.WithFields(logrus.Fields{"time_limit": w.limits.TimeLimit, "max_files": w.limits.MaxFiles}).Debug("Watchdog started")

	ticker := time.NewTicker(w.limits.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Watchdog stopped")
			return
		case now := <-ticker.C:
			w.Check(now)
		}
	}
}

// Check runs one poll against now. File trimming happens on every poll
// that finds an overshoot, even after termination was requested, so that
// late saves from in-flight workers are reclaimed too.
func (w *Watchdog) Check(now time.Time) {
	if w.limits.TimeLimit > 0 && now.Sub(w.start) >= w.limits.TimeLimit {
		w.fire(ReasonTimeLimit)
	}
	if w.limits.MaxFiles <= 0 {
		return
	}
	count := w.ledger.SavedCount()
	if count < w.limits.MaxFiles {
		return
	}
	if count > w.limits.MaxFiles {
		w.reclaim()
	}
	w.fire(ReasonFileLimit)
}

// reclaim deletes the newest saved files beyond the limit. Files already
// gone from disk are ignored.
func (w *Watchdog) reclaim() {
	removed := w.ledger.TrimSaved(w.limits.MaxFiles)
	for _, path := range removed {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.log.WithField("path", path).Warnf("Failed to delete excess file: %v", err)
			continue
		}
		w.log.WithField("path", path).Debug("Deleted file beyond max_files")
	}
	if len(removed) > 0 {
		w.log.Infof("Removed %d file(s) saved beyond max_files=%d", len(removed), w.limits.MaxFiles)
	}
}

func (w *Watchdog) fire(reason string) {
	w.once.Do(func() {
		w.mu.Lock()
		w.fired = reason
		w.mu.Unlock()
		w.log.WithField("reason", reason).Warn("Project limit reached, terminating")
		if w.terminate != nil {
			w.terminate(reason)
		}
	})
}

// Fired returns the reason the watchdog terminated the project, if any
func (w *Watchdog) Fired() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
