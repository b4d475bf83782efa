// Package storage persists crawl state in badger: the per-project cache map
// and the pool snapshot used to resume an interrupted crawl.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/log"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

const (
	cachePrefix    = "cache/"
	snapshotPrefix = "pool/"
	stateDBDir     = "state_db"
	keySep         = "\x00"
)

// BadgerStore implements StateStore
type BadgerStore struct {
	db  *badger.DB
	log *logrus.Entry
}

// NewBadgerStore opens (or creates) the state database under stateDir
func NewBadgerStore(stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	logger = logger.WithField("component", "storage")
	dbPath := filepath.Join(stateDir, stateDBDir)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerAdapter(logger)).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}
	logger.Infof("State database opened at %s", dbPath)
	return &BadgerStore{db: db, log: logger}, nil
}

func cacheKeyPrefix(project string) []byte {
	return []byte(cachePrefix + project + "/")
}

func cacheKey(project, domain, rawURL string) []byte {
	return []byte(cachePrefix + project + "/" + domain + keySep + rawURL)
}

func snapshotKey(project string) []byte {
	return []byte(snapshotPrefix + project)
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for transaction conflicts
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Load implements CachePersistence. Undecodable records are skipped.
func (s *BadgerStore) Load(project string) (models.CacheMap, error) {
	out := make(models.CacheMap)
	prefix := cacheKeyPrefix(project)
	skipped := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rest := item.Key()[len(prefix):]
			sep := bytes.Index(rest, []byte(keySep))
			if sep < 0 {
				skipped++
				continue
			}
			domain, rawURL := string(rest[:sep]), string(rest[sep+1:])

			var entry models.CacheEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				skipped++
				continue
			}
			if out[domain] == nil {
				out[domain] = make(map[string]*models.CacheEntry)
			}
			out[domain][rawURL] = &entry
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading cache for '%s': %w", utils.ErrDatabase, project, err)
	}
	if skipped > 0 {
		s.log.Warnf("Skipped %d unreadable cache records for '%s'", skipped, project)
	}
	return out, nil
}

// Save implements CachePersistence
func (s *BadgerStore) Save(project string, entries models.CacheMap) error {
	if err := s.db.DropPrefix(cacheKeyPrefix(project)); err != nil {
		return fmt.Errorf("%w: clearing cache for '%s': %w", utils.ErrDatabase, project, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	count := 0
	for domain, urls := range entries {
		for rawURL, entry := range urls {
			val, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshalling cache entry for '%s': %w", rawURL, err)
			}
			if err := wb.Set(cacheKey(project, domain, rawURL), val); err != nil {
				return fmt.Errorf("%w: writing cache entry for '%s': %w", utils.ErrDatabase, rawURL, err)
			}
			count++
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%w: flushing cache for '%s': %w", utils.ErrDatabase, project, err)
	}
	s.log.WithFields(logrus.Fields{"project": project, "entries": count}).Info("Cache saved")
	return nil
}

// SavePoolSnapshot implements SnapshotStore
func (s *BadgerStore) SavePoolSnapshot(project string, snap *models.PoolSnapshot) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshalling pool snapshot: %w", err)
	}
	err = s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(project), val)
	})
	if err != nil {
		return fmt.Errorf("%w: saving pool snapshot for '%s': %w", utils.ErrDatabase, project, err)
	}
	s.log.WithFields(logrus.Fields{"project": project, "outstanding": len(snap.Outstanding()) + len(snap.Scheduled)}).Info("Pool snapshot saved")
	return nil
}

// LoadPoolSnapshot implements SnapshotStore
func (s *BadgerStore) LoadPoolSnapshot(project string) (*models.PoolSnapshot, error) {
	var snap *models.PoolSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(project))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snap = &models.PoolSnapshot{}
			return json.Unmarshal(val, snap)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading pool snapshot for '%s': %w", utils.ErrDatabase, project, err)
	}
	return snap, nil
}

// ClearPoolSnapshot implements SnapshotStore
func (s *BadgerStore) ClearPoolSnapshot(project string) error {
	err := s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(project))
	})
	if err != nil {
		return fmt.Errorf("%w: clearing pool snapshot for '%s': %w", utils.ErrDatabase, project, err)
	}
	return nil
}

// RunGC runs value log garbage collection every interval until ctx ends
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db.IsClosed() {
				return
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the database; closing twice is a no-op
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing state DB: %v", err)
		return err
	}
	s.log.Info("State DB closed.")
	return nil
}
