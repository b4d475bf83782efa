// Package cache holds the per-project URL cache and the download ledger.
// Both live behind one mutex so every read-modify-write sequence on them is
// serialized.
package cache

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

// Options selects which cache features are active
type Options struct {
	PageCache bool // Track checksums/mtimes to skip unchanged content
	DataCache bool // Also keep raw bytes so deleted files can be restored
}

// Store is the cache and ledger for one project
type Store struct {
	mu      sync.Mutex
	opts    Options
	entries models.CacheMap
	loaded  bool
	log     *logrus.Entry

	ledger
	bytes atomic.Int64
}

// NewStore creates an empty store
func NewStore(opts Options, log *logrus.Entry) *Store {
	s := &Store{
		opts:    opts,
		entries: make(models.CacheMap),
		log:     log.WithField("component", "cache"),
	}
	s.ledger.reset()
	return s
}

// Seed replaces the cache contents with a persisted map. A nil or empty map
// means no cache existed, which forces a save at project end.
func (s *Store) Seed(m models.CacheMap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(models.CacheMap, len(m))
	count := 0
	for domain, urls := range m {
		dst := make(map[string]*models.CacheEntry, len(urls))
		for u, e := range urls {
			if e == nil {
				continue
			}
			cp := *e
			cp.Updated = false
			dst[u] = &cp
			count++
		}
		s.entries[domain] = dst
	}
	s.loaded = count > 0
	s.log.Debugf("Seeded cache with %d entries across %d domains", count, len(s.entries))
}

// CheckUpToDate compares the digest of data with the cached checksum for
// rawURL. The comparison only counts when localPath exists and is the cached
// location (fileVerified). When not up to date the entry is rewritten and
// marked updated.
func (s *Store) CheckUpToDate(rawURL, localPath string, contentLength int64, data []byte) (upToDate, fileVerified bool) {
	return s.CheckUpToDateDigest(rawURL, localPath, contentLength, utils.CalculateBytesSHA256(data), data)
}

// CheckUpToDateDigest is CheckUpToDate for callers that already hashed the
// content (flush mode keeps bodies in temp files). data may be nil.
func (s *Store) CheckUpToDateDigest(rawURL, localPath string, contentLength int64, digest string, data []byte) (upToDate, fileVerified bool) {
	if !s.opts.PageCache {
		return false, false
	}
	domain := domainOf(rawURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[domain][rawURL]
	if entry != nil {
		fileVerified = verifyLocation(entry.Location, localPath)
		upToDate = fileVerified && entry.Checksum != "" && entry.Checksum == digest
	}
	if upToDate {
		return true, fileVerified
	}

	entry = s.entryFor(domain, rawURL)
	entry.Checksum = digest
	entry.Location = absOrSelf(localPath)
	entry.ContentLength = contentLength
	entry.Updated = true
	s.cacheData(entry, data)
	return false, fileVerified
}

// CheckUpToDateByTime is CheckUpToDate keyed on the server's last-modified
// time: up to date iff lastModified is not newer than the cached value.
func (s *Store) CheckUpToDateByTime(rawURL, localPath string, lastModified int64, data []byte) (upToDate, fileVerified bool) {
	if !s.opts.PageCache {
		return false, false
	}
	domain := domainOf(rawURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[domain][rawURL]
	if entry != nil {
		fileVerified = verifyLocation(entry.Location, localPath)
		upToDate = fileVerified && entry.LastModified > 0 && lastModified <= entry.LastModified
	}
	if upToDate {
		return true, fileVerified
	}

	entry = s.entryFor(domain, rawURL)
	entry.LastModified = lastModified
	entry.Location = absOrSelf(localPath)
	entry.ContentLength = int64(len(data))
	if data != nil {
		entry.Checksum = utils.CalculateBytesSHA256(data)
	}
	entry.Updated = true
	s.cacheData(entry, data)
	return false, fileVerified
}

// Unchanged reports whether the cached entry for rawURL matches digest, or
// lastModified when it is set, regardless of where the file lives. It does
// not touch the entry.
func (s *Store) Unchanged(rawURL, digest string, lastModified int64) bool {
	if !s.opts.PageCache {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[domainOf(rawURL)][rawURL]
	if entry == nil {
		return false
	}
	if lastModified > 0 {
		return entry.LastModified > 0 && lastModified <= entry.LastModified
	}
	return entry.Checksum != "" && entry.Checksum == digest
}

// RestoreFromCache writes the cached bytes for rawURL to localPath.
// Returns false when no data is cached or the write fails.
func (s *Store) RestoreFromCache(rawURL, localPath string) bool {
	if !s.opts.DataCache {
		return false
	}
	s.mu.Lock()
	entry := s.entries[domainOf(rawURL)][rawURL]
	var data []byte
	if entry != nil {
		data = bytes.Clone(entry.Data)
	}
	s.mu.Unlock()

	if data == nil {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		s.log.Warnf("Cannot restore %s from cache: %v", rawURL, err)
		return false
	}
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		s.log.Warnf("Cannot restore %s from cache: %v", rawURL, fmt.Errorf("%w: %w", utils.ErrFilesystem, err))
		return false
	}
	return true
}

// Lookup returns a copy of the cached entry for rawURL
func (s *Store) Lookup(rawURL string) (models.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[domainOf(rawURL)][rawURL]
	if entry == nil {
		return models.CacheEntry{}, false
	}
	return *entry, true
}

// NeedsPersist reports whether the cache changed this run or never existed
func (s *Store) NeedsPersist() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return true
	}
	for _, urls := range s.entries {
		for _, e := range urls {
			if e.Updated {
				return true
			}
		}
	}
	return false
}

// Entries returns a deep copy of the cache for serialization
func (s *Store) Entries() models.CacheMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(models.CacheMap, len(s.entries))
	for domain, urls := range s.entries {
		dst := make(map[string]*models.CacheEntry, len(urls))
		for u, e := range urls {
			cp := *e
			cp.Data = bytes.Clone(e.Data)
			dst[u] = &cp
		}
		out[domain] = dst
	}
	return out
}

// entryFor returns the entry for (domain, url), creating it. Caller holds mu.
func (s *Store) entryFor(domain, rawURL string) *models.CacheEntry {
	urls := s.entries[domain]
	if urls == nil {
		urls = make(map[string]*models.CacheEntry)
		s.entries[domain] = urls
	}
	entry := urls[rawURL]
	if entry == nil {
		entry = &models.CacheEntry{}
		urls[rawURL] = entry
	}
	return entry
}

func (s *Store) cacheData(entry *models.CacheEntry, data []byte) {
	if s.opts.DataCache && data != nil {
		entry.Data = bytes.Clone(data)
	}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return parse.HostPort(u)
}

// verifyLocation reports whether localPath exists and resolves to cached.
// Any stat or path error counts as unverified.
func verifyLocation(cached, localPath string) bool {
	if cached == "" || localPath == "" {
		return false
	}
	abs, err := filepath.Abs(localPath)
	if err != nil || abs != cached {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
