// Package rules decides whether a discovered URL is admitted to the crawl.
package rules

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/Sriram-PR/harvester/pkg/config"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

// RobotsSource fetches robots.txt. A nil ruleset with a nil error means the
// site has none.
type RobotsSource interface {
	FetchRobotsTxt(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error)
}

type compiledFilter struct {
	re     *regexp.Regexp
	action config.FilterAction
}

// Engine is the admission filter for one project. It is safe for
// concurrent use.
type Engine struct {
	cfg      *config.AppConfig
	seeds    []*url.URL
	seedDirs map[string]struct{}
	filters  []compiledFilter
	log      *logrus.Entry

	mu         sync.Mutex
	blocklist  map[string]error
	extServers map[string]int // server -> order first seen
	extDirs    map[string]int // directory -> order first seen

	robots        RobotsSource
	robotsMu      sync.RWMutex
	robotsRules   map[string]*robotstxt.RobotsData // origin -> rules, nil = none
	robotsAllowed map[string]struct{}              // directories already allowed
	robotsFetch   singleflight.Group

	linksMu     sync.Mutex
	links       *bloom.BloomFilter // prefilter; seenLinks is authoritative
	seenLinks   map[string]struct{}
	linkCount   int
	servers     map[string]struct{}
	directories map[string]struct{}

	contentMu sync.Mutex
	content   *bigcache.BigCache // digest -> first domain
}

// NewEngine builds the rules for a crawl rooted at seeds
func NewEngine(cfg *config.AppConfig, seeds []*url.URL, robots RobotsSource, log *logrus.Entry) (*Engine, error) {
	if len(seeds) == 0 {
		return nil, utils.WrapErrorf(utils.ErrConfigValidation, "rules need at least one seed URL")
	}

	filters := make([]compiledFilter, 0, len(cfg.Filters))
	for i, f := range cfg.Filters {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "filter #%d ('%s'): %v", i+1, f.Pattern, err)
		}
		filters = append(filters, compiledFilter{re: re, action: f.Action})
	}

	expected := cfg.ExpectedLinks
	if expected == 0 {
		expected = 1_000_000
	}

	cacheCfg := bigcache.DefaultConfig(24 * time.Hour)
	cacheCfg.Shards = 256
	cacheCfg.MaxEntrySize = 128
	cacheCfg.HardMaxCacheSize = 64
	cacheCfg.Verbose = false
	content, err := bigcache.New(context.Background(), cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("creating content digest cache: %w", err)
	}

	e := &Engine{
		cfg:           cfg,
		seeds:         seeds,
		seedDirs:      make(map[string]struct{}, len(seeds)),
		filters:       filters,
		log:           log.WithField("component", "rules"),
		blocklist:     make(map[string]error),
		extServers:    make(map[string]int),
		extDirs:       make(map[string]int),
		robots:        robots,
		robotsRules:   make(map[string]*robotstxt.RobotsData),
		robotsAllowed: make(map[string]struct{}),
		links:         bloom.NewWithEstimates(expected, 0.0001),
		seenLinks:     make(map[string]struct{}),
		servers:       make(map[string]struct{}),
		directories:   make(map[string]struct{}),
		content:       content,
	}
	for _, s := range seeds {
		e.seedDirs[parse.Directory(s)] = struct{}{}
	}
	return e, nil
}

// Close releases the content digest cache
func (e *Engine) Close() error {
	return e.content.Close()
}

// Admit runs the admission checks in order and stops at the first
// rejection. The returned reason wraps one of the utils rule sentinels.
func (e *Engine) Admit(ctx context.Context, task *models.URLTask) (bool, error) {
	if reason := e.memoized(task.URL); reason != nil {
		return true, fmt.Errorf("%w (%w)", utils.ErrBlocklisted, reason)
	}

	u, err := url.Parse(task.URL)
	if err != nil || u.Host == "" {
		return e.reject(task.URL, utils.WrapErrorf(utils.ErrJunkFilter, "unparseable URL"))
	}

	if err := e.checkFilters(task.URL); err != nil {
		return e.reject(task.URL, err)
	}
	if e.cfg.JunkFilter {
		if err := checkJunk(u); err != nil {
			return e.reject(task.URL, err)
		}
	}
	if err := e.checkExternal(task, u); err != nil {
		return e.reject(task.URL, err)
	}
	if e.cfg.RobotsEnabled() && e.robots != nil && e.disallowedByRobots(ctx, u) {
		return e.reject(task.URL, utils.WrapErrorf(utils.ErrRobotsDisallowed, "%s", u.RequestURI()))
	}
	if err := e.checkDepth(task, u); err != nil {
		return e.reject(task.URL, err)
	}
	return false, nil
}

func (e *Engine) memoized(rawURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocklist[rawURL]
}

func (e *Engine) reject(rawURL string, reason error) (bool, error) {
	e.mu.Lock()
	if _, ok := e.blocklist[rawURL]; !ok {
		e.blocklist[rawURL] = reason
	}
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{"url": rawURL, "reason": utils.CategorizeError(reason)}).Debug("URL rejected")
	return true, reason
}

// checkFilters applies custom include/exclude rules; the first declared
// matching rule decides, and no match allows the URL.
func (e *Engine) checkFilters(rawURL string) error {
	for _, f := range e.filters {
		if !f.re.MatchString(rawURL) {
			continue
		}
		if f.action == config.FilterExclude {
			return utils.WrapErrorf(utils.ErrCustomFilter, "matches exclude pattern '%s'", f.re.String())
		}
		return nil
	}
	return nil
}

// checkDepth bounds same-server and external URLs independently.
func (e *Engine) checkDepth(task *models.URLTask, u *url.URL) error {
	limit := e.cfg.MaxDepth()
	if !e.isSeedServer(u) {
		limit = e.cfg.ExternalDepth()
	}
	if limit >= 0 && task.Depth > limit {
		return utils.WrapErrorf(utils.ErrMaxDepthExceeded, "depth %d > %d", task.Depth, limit)
	}
	return nil
}

// MarkSeen records rawURL in the seen-link set without counting it as a
// scanned link. Used for seeds and resumed tasks.
func (e *Engine) MarkSeen(rawURL string) {
	e.linksMu.Lock()
	e.addLink(rawURL)
	e.linksMu.Unlock()
}

// SeeLink records a discovered link and reports whether it is new
func (e *Engine) SeeLink(rawURL string) bool {
	e.linksMu.Lock()
	defer e.linksMu.Unlock()

	if e.links.TestString(rawURL) {
		if _, ok := e.seenLinks[rawURL]; ok {
			return false
		}
	}
	e.addLink(rawURL)
	e.linkCount++
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		e.servers[parse.HostPort(u)] = struct{}{}
		e.directories[parse.Directory(u)] = struct{}{}
	}
	return true
}

// addLink records rawURL in both sets. Caller holds linksMu.
func (e *Engine) addLink(rawURL string) {
	e.links.AddString(rawURL)
	e.seenLinks[rawURL] = struct{}{}
}

// Stats returns the number of unique links scanned and the servers and
// directories they span.
func (e *Engine) Stats() (links, servers, directories int) {
	e.linksMu.Lock()
	defer e.linksMu.Unlock()
	return e.linkCount, len(e.servers), len(e.directories)
}
