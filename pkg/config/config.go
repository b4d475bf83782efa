package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/harvester/pkg/utils"
)

// FilterAction says what a matching custom filter does with a URL
type FilterAction string

// DefaultDepth is the same-server hop limit when depth is not configured
const DefaultDepth = 10

const (
	FilterInclude FilterAction = "include"
	FilterExclude FilterAction = "exclude"
)

// FilterRule is one custom include/exclude regex. Rules are kept in declaration
// order; when both kinds match, the earliest declared rule wins.
type FilterRule struct {
	Pattern string       `yaml:"pattern"`
	Action  FilterAction `yaml:"action"`
}

// PriorityRule adjusts the queue priority of matching URLs.
// Match is a file extension (".pdf"), a substring of the URL, or a hostname
// when used in the server table.
type PriorityRule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
}

// AppConfig holds the configuration for one crawl project
type AppConfig struct {
	Project    string   `yaml:"project"`
	StartURLs  []string `yaml:"start_urls"`
	ProjectDir string   `yaml:"project_dir"`
	StateDir   string   `yaml:"state_dir"`
	UserAgent  string   `yaml:"user_agent"`

	// Scope
	Depth             *int         `yaml:"depth,omitempty"` // Same-server hops from the seed (unset = 10, 0 = seeds only, negative = unlimited)
	ExtDepth          int          `yaml:"ext_depth"`       // Hops for external links (0 = use depth)
	MaxExtServers     int          `yaml:"max_ext_servers"`
	MaxExtDirs        int          `yaml:"max_ext_dirs"`
	FetchLevel        int          `yaml:"fetch_level"` // 0-4
	RespectRobots     *bool        `yaml:"respect_robots,omitempty"`
	SubdomainEquality bool         `yaml:"subdomain_equality"`
	FetchImages       *bool        `yaml:"fetch_images,omitempty"`
	FetchStylesheets  *bool        `yaml:"fetch_stylesheets,omitempty"`
	JunkFilter        bool         `yaml:"junk_filter"`
	Filters           []FilterRule `yaml:"filters,omitempty"`
	ExpectedLinks     uint         `yaml:"expected_links,omitempty"` // Sizing hint for the seen-link filter

	URLPriorities    []PriorityRule `yaml:"url_priorities,omitempty"`
	ServerPriorities []PriorityRule `yaml:"server_priorities,omitempty"`

	// Cache
	PageCache *bool `yaml:"page_cache,omitempty"`
	DataCache bool  `yaml:"data_cache"`

	// Concurrency
	NumCrawlers int `yaml:"num_crawlers"`
	NumFetchers int `yaml:"num_fetchers"`
	MaxTrackers int `yaml:"max_trackers"`
	NumWorkers  int `yaml:"num_workers"` // Worker pool size (default 4); negative makes fetchers download directly

	// Limits and timeouts
	ProjectTimeout time.Duration `yaml:"project_timeout"` // Max idle time since the last queue operation
	TimeLimit      time.Duration `yaml:"time_limit"`      // Wall-clock ceiling (0 = none)
	WorkerTimeout  time.Duration `yaml:"worker_timeout"`
	HungPoolGrace  time.Duration `yaml:"hung_pool_grace"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxFiles       int           `yaml:"max_files"`     // 0 = unlimited
	MaxFileSize    int64         `yaml:"max_file_size"` // Bytes, 0 = unlimited
	RetryFailed    bool          `yaml:"retry_failed"`

	// Multi-part downloads
	NumParts         int   `yaml:"num_parts"`
	MultipartMinSize int64 `yaml:"multipart_min_size"`
	FlushData        bool  `yaml:"flush_data"`

	Simulate bool `yaml:"simulate"`

	// Transport
	MaxRetries               int              `yaml:"max_retries,omitempty"`
	InitialRetryDelay        time.Duration    `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay            time.Duration    `yaml:"max_retry_delay,omitempty"`
	MaxRequestsPerHost       int              `yaml:"max_requests_per_host"`
	RequestsPerSecondPerHost float64          `yaml:"requests_per_second_per_host"`
	SemaphoreAcquireTimeout  time.Duration    `yaml:"semaphore_acquire_timeout,omitempty"`
	HTTPClientSettings       HTTPClientConfig `yaml:"http_client_settings,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"` // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// LoadConfig reads and parses a YAML project file. Defaults are not applied;
// call Validate on the result.
func LoadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, utils.WrapErrorf(utils.ErrConfigValidation, "parsing config file '%s': %v", path, err)
	}
	return &cfg, nil
}

// RobotsEnabled reports whether robots.txt rules are honored (default true)
func (c *AppConfig) RobotsEnabled() bool {
	return c.RespectRobots == nil || *c.RespectRobots
}

// PageCacheEnabled reports whether the per-project cache is used (default true)
func (c *AppConfig) PageCacheEnabled() bool {
	return c.PageCache == nil || *c.PageCache
}

// ImagesEnabled reports whether image links are fetched (default true)
func (c *AppConfig) ImagesEnabled() bool {
	return c.FetchImages == nil || *c.FetchImages
}

// StylesheetsEnabled reports whether stylesheet links are fetched (default true)
func (c *AppConfig) StylesheetsEnabled() bool {
	return c.FetchStylesheets == nil || *c.FetchStylesheets
}

// MultipartEnabled reports whether large resources are split into ranges
func (c *AppConfig) MultipartEnabled() bool {
	return c.NumParts > 1 && c.NumWorkers > 0
}

// TrackerCount is the number of trackers started with the project
func (c *AppConfig) TrackerCount() int {
	return c.NumCrawlers + c.NumFetchers
}

// MaxDepth is the hop limit applied to links on the seed's server
func (c *AppConfig) MaxDepth() int {
	if c.Depth == nil {
		return DefaultDepth
	}
	return *c.Depth
}

// ExternalDepth is the hop limit applied to links outside the seed's server
func (c *AppConfig) ExternalDepth() int {
	if c.ExtDepth > 0 {
		return c.ExtDepth
	}
	return c.MaxDepth()
}
