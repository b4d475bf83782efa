package crawler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/models"
)

func (s *Scheduler) logProgress() {
	links, servers, _ := s.rules.Stats()
	c := s.store.Counts()
	fields := logrus.Fields{
		"state":       s.State(),
		"links":       links,
		"servers":     servers,
		"saved":       c.Saved,
		"failed":      c.Failed,
		"crawl_queue": s.crawlQ.Len() + s.crawlOv.Len(),
		"fetch_queue": s.fetchQ.Len() + s.fetchOv.Len(),
	}
	s.log.WithFields(fields).Info("Crawl Progress")
}

// report logs the terminal banner and hands the stats to every sink
func (s *Scheduler) report(termination string, elapsed time.Duration) models.CrawlStats {
	links, servers, dirs := s.rules.Stats()
	c := s.store.Counts()
	stats := models.CrawlStats{
		RunID:         s.runID,
		Project:       s.cfg.Project,
		Termination:   termination,
		Links:         links,
		Servers:       servers,
		Directories:   dirs,
		FilesSaved:    c.Saved,
		FilesFailed:   c.Failed,
		FilesFatal:    c.Fatal,
		FilesRetried:  c.Retried,
		FilesUpToDate: c.UpToDate,
		FilesCached:   c.Cached,
		FilesBlocked:  c.Blocked,
		FilesDeleted:  c.Deleted,
		Bytes:         c.Bytes,
		Elapsed:       elapsed,
	}

	summaryLog := s.log.WithField("termination", termination)
	summaryLog.Info("========================================================================")
	summaryLog.Info("CRAWL FINISHED")
	summaryLog.Infof("Duration:         %v", elapsed.Round(time.Millisecond))
	summaryLog.Infof("Links scanned:    %d (servers: %d, directories: %d)", links, servers, dirs)
	summaryLog.Infof("Files saved:      %d (up to date: %d, from cache: %d, blocked: %d, deleted: %d)",
		c.Saved, c.UpToDate, c.Cached, c.Blocked, c.Deleted)
	summaryLog.Infof("Files failed:     %d (fatal: %d, retried: %d)", c.Failed, c.Fatal, c.Retried)
	summaryLog.Infof("Bytes written:    %d", c.Bytes)
	summaryLog.Info("========================================================================")

	for _, sink := range s.sinks {
		sink.Report(stats)
	}
	return stats
}
