package config

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/Sriram-PR/harvester/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if len(c.StartURLs) == 0 {
		return nil, fmt.Errorf("%w: project has no start_urls", utils.ErrConfigValidation)
	}
	for _, raw := range c.StartURLs {
		u, perr := url.Parse(raw)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "start URL '%s' is not an absolute http(s) URL", raw)
		}
	}

	if c.Project == "" {
		u, _ := url.Parse(c.StartURLs[0])
		c.Project = utils.SanitizeFilename(u.Hostname())
		warnings = append(warnings, fmt.Sprintf("project is empty, defaulting to '%s'", c.Project))
	}

	if c.ProjectDir == "" {
		warnings = append(warnings, "project_dir is empty, defaulting to './harvested'")
		c.ProjectDir = "./harvested"
	}
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './harvester_state'")
		c.StateDir = "./harvester_state"
	}
	if c.UserAgent == "" {
		c.UserAgent = "harvester/1.0"
	}

	// Scope
	if c.Depth == nil {
		depth := DefaultDepth
		c.Depth = &depth
	}
	if c.ExtDepth < 0 {
		warnings = append(warnings, "ext_depth cannot be negative, falling back to depth")
		c.ExtDepth = 0
	}
	if c.FetchLevel < 0 || c.FetchLevel > 4 {
		warnings = append(warnings, fmt.Sprintf("fetch_level %d out of range 0-4, defaulting to 0", c.FetchLevel))
		c.FetchLevel = 0
	}
	if c.MaxExtServers < 0 {
		c.MaxExtServers = 0
	}
	if c.MaxExtDirs < 0 {
		c.MaxExtDirs = 0
	}
	if c.ExpectedLinks == 0 {
		c.ExpectedLinks = 1_000_000
	}
	for i, f := range c.Filters {
		if f.Action != FilterInclude && f.Action != FilterExclude {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "filter #%d has unknown action '%s'", i+1, f.Action)
		}
		if _, rerr := regexp.Compile(f.Pattern); rerr != nil {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "filter #%d has invalid pattern '%s'", i+1, f.Pattern)
		}
	}

	// Concurrency
	if c.NumCrawlers <= 0 {
		warnings = append(warnings, "num_crawlers should be > 0, defaulting to 2")
		c.NumCrawlers = 2
	}
	if c.NumFetchers <= 0 {
		warnings = append(warnings, "num_fetchers should be > 0, defaulting to 3")
		c.NumFetchers = 3
	}
	if c.MaxTrackers <= 0 {
		c.MaxTrackers = 10
	}
	if c.MaxTrackers < c.TrackerCount() {
		warnings = append(warnings, fmt.Sprintf(
			"max_trackers (%d) below num_crawlers+num_fetchers, raising to %d", c.MaxTrackers, c.TrackerCount()))
		c.MaxTrackers = c.TrackerCount()
	}
	switch {
	case c.NumWorkers == 0:
		c.NumWorkers = 4
	case c.NumWorkers < 0:
		// Negative disables the pool; fetchers download directly.
		c.NumWorkers = 0
	}

	// Limits
	if c.ProjectTimeout <= 0 {
		c.ProjectTimeout = 5 * time.Minute
	}
	if c.TimeLimit < 0 {
		warnings = append(warnings, "time_limit cannot be negative, disabling limit")
		c.TimeLimit = 0
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 2 * time.Minute
	}
	if c.HungPoolGrace <= 0 {
		c.HungPoolGrace = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxFiles < 0 {
		warnings = append(warnings, "max_files cannot be negative, setting to 0 (unlimited)")
		c.MaxFiles = 0
	}
	if c.MaxFileSize < 0 {
		warnings = append(warnings, "max_file_size cannot be negative, setting to 0 (unlimited)")
		c.MaxFileSize = 0
	}

	// Multi-part
	if c.NumParts <= 0 {
		c.NumParts = 1
	}
	if c.NumParts > 1 && c.NumWorkers == 0 {
		warnings = append(warnings, "num_parts > 1 needs the worker pool (num_workers >= 0), multi-part disabled")
		c.NumParts = 1
	}
	if c.MultipartMinSize <= 0 {
		c.MultipartMinSize = 1 << 20
	}

	// Transport
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}
	if c.RequestsPerSecondPerHost < 0 {
		c.RequestsPerSecondPerHost = 0
	}
	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
