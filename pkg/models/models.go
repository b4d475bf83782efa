package models

import (
	"os"
	"time"
)

// ResourceType classifies a discovered URL by how it was referenced
type ResourceType string

const (
	TypeWebpage    ResourceType = "webpage"
	TypeImage      ResourceType = "image"
	TypeStylesheet ResourceType = "stylesheet"
	TypeFrame      ResourceType = "frame"
	TypeAnchor     ResourceType = "anchor"
	TypeCGI        ResourceType = "cgi"
	TypeBase       ResourceType = "base"
	TypeGeneric    ResourceType = "generic"
)

// IsPage reports whether resources of this type are crawled for further links
func (t ResourceType) IsPage() bool {
	switch t {
	case TypeWebpage, TypeFrame, TypeAnchor, TypeBase, TypeCGI:
		return true
	}
	return false
}

// ByteRange is an inclusive byte span used for multi-part downloads
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// URLTask describes one URL to process. Tasks are treated as immutable once
// queued; multi-part copies get their Range set before dispatch.
type URLTask struct {
	URL       string       `json:"url"`
	Type      ResourceType `json:"type"`
	Index     int64        `json:"index"`    // Discovery order, queue tie-break
	Priority  int          `json:"priority"` // Lower dequeues first
	Depth     int          `json:"depth"`    // Hops from the seed
	ParentURL string       `json:"parent_url,omitempty"`
	LocalPath string       `json:"local_path,omitempty"`
	Range     *ByteRange   `json:"range,omitempty"`
	Parts     int          `json:"parts,omitempty"` // Total parts when Range is set
	Fatal     bool         `json:"fatal,omitempty"`
}

// IsPart reports whether the task is one segment of a multi-part download
func (t *URLTask) IsPart() bool {
	return t.Range != nil && t.Parts > 1
}

// WithRange returns a copy of the task restricted to one byte range
func (t *URLTask) WithRange(r ByteRange, parts int) *URLTask {
	cp := *t
	cp.Range = &r
	cp.Parts = parts
	return &cp
}

// CacheEntry is the per-URL cache record kept between runs
type CacheEntry struct {
	Checksum      string `json:"checksum,omitempty"`
	LastModified  int64  `json:"last_modified,omitempty"` // Epoch seconds from the server
	Location      string `json:"location"`
	ContentLength int64  `json:"content_length"`
	Data          []byte `json:"data,omitempty"` // Raw bytes, only with data caching
	Updated       bool   `json:"-"`              // Created or changed during this run
}

// CacheMap is keyed by domain, then by URL
type CacheMap map[string]map[string]*CacheEntry

// FetchOutcome is what a single download attempt produced
type FetchOutcome struct {
	Status    DownloadStatus
	Data      []byte
	TempFile  string // Set instead of Data in flush mode
	SavedPath string
	Bytes     int64
	Err       error
}

// Fragment is one fetched range of a multi-part resource. Exactly one of
// Data and TempFile holds its bytes.
type Fragment struct {
	Data     []byte
	TempFile string
}

// Discard removes the fragment's temp file, if it has one
func (f Fragment) Discard() {
	if f.TempFile != "" {
		os.Remove(f.TempFile)
	}
}

// WorkerSnapshot captures one pool worker at snapshot time
type WorkerSnapshot struct {
	ID        int            `json:"id"`
	Task      *URLTask       `json:"task,omitempty"`
	Busy      bool           `json:"busy"`
	Status    DownloadStatus `json:"status"`
	StartTime time.Time      `json:"start_time,omitempty"`
}

// PoolSnapshot is the serializable state of the worker pool and any
// scheduler queue contents that had not been dispatched yet.
type PoolSnapshot struct {
	TakenAt   time.Time        `json:"taken_at"`
	Pending   []*URLTask       `json:"pending"`
	Workers   []WorkerSnapshot `json:"workers"`
	Scheduled []*URLTask       `json:"scheduled,omitempty"`
	NextIndex int64            `json:"next_index"`
}

// Outstanding returns every task that still needs to run after a restore
func (s *PoolSnapshot) Outstanding() []*URLTask {
	var out []*URLTask
	out = append(out, s.Pending...)
	for _, w := range s.Workers {
		if w.Task != nil && w.Status == StatusNotAttempted {
			out = append(out, w.Task)
		}
	}
	return out
}

// CrawlStats is the terminal report handed to statistics sinks
type CrawlStats struct {
	RunID         string
	Project       string
	Termination   string
	Links         int
	Servers       int
	Directories   int
	FilesSaved    int
	FilesFailed   int
	FilesFatal    int
	FilesRetried  int
	FilesUpToDate int
	FilesCached   int
	FilesBlocked  int
	FilesDeleted  int
	Bytes         int64
	Elapsed       time.Duration
}

// StatsSink receives the terminal report of a crawl
type StatsSink interface {
	Report(stats CrawlStats)
}
