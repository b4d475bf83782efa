package rules

import (
	"context"
	"net/url"

	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/harvester/pkg/parse"
)

// disallowedByRobots checks u against its origin's robots.txt. Origins
// without rules and directories already allowed are answered from cache.
func (e *Engine) disallowedByRobots(ctx context.Context, u *url.URL) bool {
	origin := parse.Origin(u)
	dir := parse.Directory(u)

	e.robotsMu.RLock()
	_, dirAllowed := e.robotsAllowed[dir]
	rules, known := e.robotsRules[origin]
	e.robotsMu.RUnlock()

	if dirAllowed {
		return false
	}
	if !known {
		rules = e.loadRobots(ctx, u, origin)
	}
	if rules == nil {
		return false
	}

	if !rules.TestAgent(u.RequestURI(), e.cfg.UserAgent) {
		return true
	}
	e.robotsMu.Lock()
	e.robotsAllowed[dir] = struct{}{}
	e.robotsMu.Unlock()
	return false
}

// loadRobots fetches and caches robots.txt for origin once, even when many
// trackers ask at the same time. Any fetch failure caches "no rules".
func (e *Engine) loadRobots(ctx context.Context, u *url.URL, origin string) *robotstxt.RobotsData {
	v, _, _ := e.robotsFetch.Do(origin, func() (any, error) {
		e.robotsMu.RLock()
		cached, ok := e.robotsRules[origin]
		e.robotsMu.RUnlock()
		if ok {
			return cached, nil
		}

		robotsURL := parse.RobotsURL(u)
		robotsLog := e.log.WithField("robots_url", robotsURL)

		data, err := e.robots.FetchRobotsTxt(ctx, robotsURL)
		if err != nil {
			robotsLog.Warnf("Fetching robots.txt failed, treating as absent: %v", err)
			data = nil
		} else if data == nil {
			robotsLog.Debug("No robots.txt")
		} else {
			robotsLog.Info("Loaded robots.txt")
		}

		e.robotsMu.Lock()
		e.robotsRules[origin] = data
		e.robotsMu.Unlock()
		return data, nil
	})
	data, _ := v.(*robotstxt.RobotsData)
	return data
}
