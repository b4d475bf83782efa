// Package fetch is the transport layer: the Connector used by trackers and
// pool workers, and the HTTP plumbing behind it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/harvester/pkg/config"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

// Response is a fetched resource. Exactly one of Data and TempFile holds the
// body; TempFile is used for non-page resources in flush mode and the caller
// owns the file.
type Response struct {
	StatusCode    int
	Data          []byte
	TempFile      string
	ContentLength int64
	LastModified  int64 // Epoch seconds, 0 if the server sent none
	ContentType   string
	AcceptRanges  bool
	FinalURL      string
}

// Size returns the number of body bytes received
func (r *Response) Size() int64 {
	if r.TempFile == "" {
		return int64(len(r.Data))
	}
	if fi, err := os.Stat(r.TempFile); err == nil {
		return fi.Size()
	}
	return r.ContentLength
}

// Connector is the network boundary of the crawler
type Connector interface {
	// Fetch downloads task.URL, honoring task.Range when set
	Fetch(ctx context.Context, task *models.URLTask) (*Response, error)
	// FetchRobotsTxt returns nil, nil when the site publishes no rules
	FetchRobotsTxt(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error)
	// SupportsRanges reports whether the server answered with byte-range support
	SupportsRanges(domain string) bool
	// Probe returns the advertised length of rawURL without its body
	Probe(ctx context.Context, rawURL string) (int64, error)
}

// HTTPConnector is the production Connector
type HTTPConnector struct {
	fetcher   *Fetcher
	servers   *ServerPermits
	limiter   *HostRateLimiter
	userAgent string
	maxSize   int64
	flush     bool
	cfg       *config.AppConfig
	log       *logrus.Entry

	rangesMu sync.RWMutex
	ranges   map[string]bool
}

// NewHTTPConnector wires the shared client, per-host semaphores and rate
// limiter from cfg.
func NewHTTPConnector(cfg *config.AppConfig, log *logrus.Entry) *HTTPConnector {
	log = log.WithField("component", "connector")
	client := NewClient(cfg.HTTPClientSettings, log)
	policy := RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
	}
	return &HTTPConnector{
		fetcher:   NewFetcher(client, policy, log),
		servers:   NewServerPermits(cfg.MaxRequestsPerHost, log),
		limiter:   NewHostRateLimiter(cfg.RequestsPerSecondPerHost, cfg.MaxRequestsPerHost, log),
		userAgent: cfg.UserAgent,
		maxSize:   cfg.MaxFileSize,
		flush:     cfg.FlushData,
		cfg:       cfg,
		log:       log,
		ranges:    make(map[string]bool),
	}
}

// Servers exposes the per-server permits so callers can run their
// eviction loop
func (c *HTTPConnector) Servers() *ServerPermits {
	return c.servers
}

// do acquires the server's permit and the host's rate slot, then runs req with retries.
// release must be called once the body has been consumed.
func (c *HTTPConnector) do(ctx context.Context, req *http.Request) (*http.Response, func(), error) {
	host := req.URL.Host
	release, err := c.servers.Acquire(ctx, req.URL, c.cfg.SemaphoreAcquireTimeout)
	if err != nil {
		return nil, nil, err
	}

	if err := c.limiter.Wait(ctx, host); err != nil {
		release()
		return nil, nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.fetcher.FetchWithRetry(ctx, req)
	if resp != nil {
		c.noteRanges(resp)
	}
	if err != nil {
		if resp != nil {
			drain(resp)
		}
		release()
		return nil, nil, err
	}
	return resp, release, nil
}

// Fetch implements Connector
func (c *HTTPConnector) Fetch(ctx context.Context, task *models.URLTask) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	if task.Range != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", task.Range.Start, task.Range.End))
	}

	resp, release, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer resp.Body.Close()

	out := &Response{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		LastModified:  lastModified(resp.Header),
		ContentType:   resp.Header.Get("Content-Type"),
		AcceptRanges:  acceptsRanges(resp),
		FinalURL:      resp.Request.URL.String(),
	}

	if task.Range == nil && c.maxSize > 0 && resp.ContentLength > c.maxSize {
		return out, utils.WrapErrorf(utils.ErrFileTooLarge, "%d bytes > %d", resp.ContentLength, c.maxSize)
	}

	body := io.Reader(resp.Body)
	// A server that ignores Range sends the whole entity; keep only our slice.
	if task.Range != nil && resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, body, task.Range.Start); err != nil {
			return out, fmt.Errorf("%w: skipping to offset %d: %w", utils.ErrResponseBodyRead, task.Range.Start, err)
		}
		body = io.LimitReader(body, task.Range.Len())
	}
	if task.Range == nil && c.maxSize > 0 {
		body = io.LimitReader(body, c.maxSize+1)
	}

	if c.flush && !task.Type.IsPage() {
		out.TempFile, err = spool(body)
		if err != nil {
			return out, err
		}
		if task.Range == nil && c.maxSize > 0 && out.Size() > c.maxSize {
			os.Remove(out.TempFile)
			out.TempFile = ""
			return out, utils.WrapErrorf(utils.ErrFileTooLarge, "body exceeds %d bytes", c.maxSize)
		}
		return out, nil
	}

	out.Data, err = io.ReadAll(body)
	if err != nil {
		return out, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if task.Range == nil && c.maxSize > 0 && int64(len(out.Data)) > c.maxSize {
		out.Data = nil
		return out, utils.WrapErrorf(utils.ErrFileTooLarge, "body exceeds %d bytes", c.maxSize)
	}
	return out, nil
}

// Probe implements Connector with a HEAD request
func (c *HTTPConnector) Probe(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	resp, release, err := c.do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer release()
	drain(resp)
	return resp.ContentLength, nil
}

// SupportsRanges implements Connector
func (c *HTTPConnector) SupportsRanges(domain string) bool {
	c.rangesMu.RLock()
	defer c.rangesMu.RUnlock()
	return c.ranges[domain]
}

func (c *HTTPConnector) noteRanges(resp *http.Response) {
	if resp.Request == nil || resp.Request.URL == nil {
		return
	}
	domain := parse.HostPort(resp.Request.URL)
	supported := acceptsRanges(resp)

	c.rangesMu.Lock()
	defer c.rangesMu.Unlock()
	if prev, seen := c.ranges[domain]; !seen || prev != supported {
		c.log.WithFields(logrus.Fields{"domain": domain, "ranges": supported}).Debug("Recorded byte-range support")
	}
	c.ranges[domain] = supported
}

func acceptsRanges(resp *http.Response) bool {
	if resp.StatusCode == http.StatusPartialContent {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
}

func lastModified(h http.Header) int64 {
	v := h.Get("Last-Modified")
	if v == "" {
		return 0
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// spool copies body into a temp file and returns its path
func spool(body io.Reader) (string, error) {
	f, err := os.CreateTemp("", "harvester-*.part")
	if err != nil {
		return "", fmt.Errorf("%w: creating temp file: %w", utils.ErrFilesystem, err)
	}
	_, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: spooling body: %w", utils.ErrResponseBodyRead, err)
	}
	return f.Name(), nil
}
