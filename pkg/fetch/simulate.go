package fetch

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/harvester/pkg/models"
)

// Simulator runs a dry crawl: pages are still fetched so links can be
// discovered, every other resource is answered with an empty 200.
type Simulator struct {
	next Connector
	log  *logrus.Entry
}

// NewSimulator wraps next for simulate mode
func NewSimulator(next Connector, log *logrus.Entry) *Simulator {
	return &Simulator{next: next, log: log.WithField("component", "simulator")}
}

// Fetch implements Connector
func (s *Simulator) Fetch(ctx context.Context, task *models.URLTask) (*Response, error) {
	if task.Type.IsPage() {
		return s.next.Fetch(ctx, task)
	}
	s.log.WithField("url", task.URL).Debug("Simulated fetch")
	return &Response{StatusCode: 200, FinalURL: task.URL}, nil
}

// FetchRobotsTxt implements Connector
func (s *Simulator) FetchRobotsTxt(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	return s.next.FetchRobotsTxt(ctx, robotsURL)
}

// SupportsRanges always reports false so nothing is split
func (s *Simulator) SupportsRanges(string) bool { return false }

// Probe implements Connector without touching the network
func (s *Simulator) Probe(context.Context, string) (int64, error) { return 0, nil }
