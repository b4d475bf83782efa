package cache

import (
	"github.com/Sriram-PR/harvester/pkg/models"
)

// ledger is the download bookkeeping embedded in Store; all access goes
// through Store methods holding Store.mu.
type ledger struct {
	saved    []string
	savedSet map[string]struct{}

	failedOrder []string
	failed      map[string]*models.URLTask
	fatal       map[string]struct{}
	retried     map[string]struct{}

	upToDate  map[string]struct{}
	fromCache map[string]struct{}
	blocked   map[string]struct{}
	deleted   []string

	owners   map[string]string // key -> worker
	inflight map[string]string // worker -> key
}

func (l *ledger) reset() {
	l.saved = nil
	l.savedSet = make(map[string]struct{})
	l.failedOrder = nil
	l.failed = make(map[string]*models.URLTask)
	l.fatal = make(map[string]struct{})
	l.retried = make(map[string]struct{})
	l.upToDate = make(map[string]struct{})
	l.fromCache = make(map[string]struct{})
	l.blocked = make(map[string]struct{})
	l.deleted = nil
	l.owners = make(map[string]string)
	l.inflight = make(map[string]string)
}

// Counts is a point-in-time view of the ledger
type Counts struct {
	Saved    int
	Failed   int
	Fatal    int
	Retried  int
	UpToDate int
	Cached   int
	Blocked  int
	Deleted  int
	Bytes    int64
}

// Reset clears the ledger; cache entries are kept
func (s *Store) Reset() {
	s.mu.Lock()
	s.ledger.reset()
	s.mu.Unlock()
	s.bytes.Store(0)
}

// RecordOutcome files task under the set matching status. A success removes
// any earlier failure for the same URL.
func (s *Store) RecordOutcome(task *models.URLTask, status models.DownloadStatus, savedPath string) {
	if status == models.StatusNotAttempted {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if status.IsFailure() {
		if _, ok := s.failed[task.URL]; !ok {
			s.failedOrder = append(s.failedOrder, task.URL)
		}
		s.failed[task.URL] = task
		if task.Fatal {
			s.fatal[task.URL] = struct{}{}
		}
		return
	}

	switch status {
	case models.StatusSaved, models.StatusRenamed:
		if savedPath == "" {
			savedPath = task.LocalPath
		}
		if _, ok := s.savedSet[savedPath]; !ok {
			s.savedSet[savedPath] = struct{}{}
			s.saved = append(s.saved, savedPath)
		}
	case models.StatusUpToDate:
		s.upToDate[task.URL] = struct{}{}
	case models.StatusFromCache:
		s.fromCache[task.URL] = struct{}{}
	case models.StatusBlocked:
		s.blocked[task.URL] = struct{}{}
	}
	if _, ok := s.failed[task.URL]; ok {
		delete(s.failed, task.URL)
		delete(s.fatal, task.URL)
	}
}

// MarkFatal excludes a failed URL from the retry pass
func (s *Store) MarkFatal(rawURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failed[rawURL]; ok {
		s.fatal[rawURL] = struct{}{}
	}
}

// MarkRetried notes that rawURL went through the retry pass
func (s *Store) MarkRetried(rawURL string) {
	s.mu.Lock()
	s.retried[rawURL] = struct{}{}
	s.mu.Unlock()
}

// RetryCandidates returns failed, non-fatal tasks in failure order
func (s *Store) RetryCandidates() []*models.URLTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.URLTask
	live := s.failedOrder[:0]
	seen := make(map[string]struct{}, len(s.failed))
	for _, u := range s.failedOrder {
		task, ok := s.failed[u]
		if !ok {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		live = append(live, u)
		if _, fatal := s.fatal[u]; !fatal {
			out = append(out, task)
		}
	}
	s.failedOrder = live
	return out
}

// Claim registers worker as the owner of key. It fails if another worker
// already owns key. A worker owns at most one key; claiming releases the
// previous one.
func (s *Store) Claim(worker, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.owners[key]; ok && owner != worker {
		return false
	}
	if prev, ok := s.inflight[worker]; ok && prev != key {
		delete(s.owners, prev)
	}
	s.owners[key] = worker
	s.inflight[worker] = key
	return true
}

// Release drops whatever key worker owns
func (s *Store) Release(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.inflight[worker]; ok {
		delete(s.inflight, worker)
		if s.owners[key] == worker {
			delete(s.owners, key)
		}
	}
}

// Owner returns the worker holding key, if any
func (s *Store) Owner(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.owners[key]
	return w, ok
}

// IsSaved reports whether path was already recorded as saved
func (s *Store) IsSaved(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.savedSet[path]
	return ok
}

// AddBytes adds n to the downloaded byte counter
func (s *Store) AddBytes(n int64) {
	s.bytes.Add(n)
}

// Bytes returns the downloaded byte counter
func (s *Store) Bytes() int64 {
	return s.bytes.Load()
}

// SavedCount returns the number of saved files
func (s *Store) SavedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// SavedFiles returns saved file paths in save order
func (s *Store) SavedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// TrimSaved drops the most recently saved files beyond max from the ledger
// and returns them, newest first. The caller removes them from disk.
func (s *Store) TrimSaved(max int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max < 0 || len(s.saved) <= max {
		return nil
	}
	excess := s.saved[max:]
	removed := make([]string, 0, len(excess))
	for i := len(excess) - 1; i >= 0; i-- {
		removed = append(removed, excess[i])
		delete(s.savedSet, excess[i])
	}
	s.saved = s.saved[:max:max]
	s.deleted = append(s.deleted, removed...)
	return removed
}

// Counts returns the current ledger totals
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Saved:    len(s.saved),
		Failed:   len(s.failed),
		Fatal:    len(s.fatal),
		Retried:  len(s.retried),
		UpToDate: len(s.upToDate),
		Cached:   len(s.fromCache),
		Blocked:  len(s.blocked),
		Deleted:  len(s.deleted),
		Bytes:    s.bytes.Load(),
	}
}
