package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/models"
)

// CrawlFunc runs one complete crawl of the project
type CrawlFunc func(ctx context.Context) (models.CrawlStats, error)

// Runner refreshes a mirror every interval. Runs never overlap: a crawl
// that outlasts the interval makes the next one start immediately.
type Runner struct {
	interval time.Duration
	crawl    CrawlFunc
	state    *StateManager
	log      *logrus.Entry
}

// NewRunner creates a runner for one project
func NewRunner(interval time.Duration, crawl CrawlFunc, state *StateManager, log *logrus.Entry) (*Runner, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("watch interval must be positive, got %v", interval)
	}
	if crawl == nil || state == nil {
		return nil, fmt.Errorf("watch runner needs a crawl function and a state manager")
	}
	return &Runner{interval: interval, crawl: crawl, state: state, log: log}, nil
}

// Run blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	if err := r.state.Load(); err != nil {
		r.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}
	r.logSchedule()

	for {
		wait := time.Until(r.state.NextRunTime(r.interval, time.Now()))
		if wait > 0 {
			r.log.Infof("Next crawl in %v (at %s)", wait.Round(time.Second), time.Now().Add(wait).Format("15:04:05"))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.log.Info("Watch mode stopped")
				return nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			r.log.Info("Watch mode stopped")
			return nil
		}
		r.runOnce(ctx)
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	started := time.Now()
	stats, err := r.crawl(ctx)
	rec := r.state.Record(started, stats, err)

	entry := r.log.WithFields(logrus.Fields{
		"run_id":      rec.RunID,
		"termination": rec.Termination,
		"saved":       rec.Saved,
		"up_to_date":  rec.UpToDate,
		"failed":      rec.Failed,
	})
	if err != nil {
		entry.Errorf("Watch crawl failed: %v", err)
	} else {
		entry.Info("Watch crawl finished")
	}

	if serr := r.state.Save(); serr != nil {
		r.log.Errorf("Failed to save watch state: %v", serr)
	}
}

func (r *Runner) logSchedule() {
	last, ok := r.state.Last()
	if !ok {
		r.log.Infof("Watching every %s; never run, will run immediately", FormatInterval(r.interval))
		return
	}
	status := "success"
	if !last.Succeeded() {
		status = "incomplete"
	}
	r.log.Infof("Watching every %s; last run %s (%s, %d saved)",
		FormatInterval(r.interval), last.StartedAt.Format(time.RFC3339), status, last.Saved)
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration, also accepting a leading day count
// such as "7d" or "1d12h".
func ParseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d := time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
}
