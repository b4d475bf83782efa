package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/harvester/pkg/models"
)

// CachePersistence loads and saves the per-project cache map
type CachePersistence interface {
	// Load returns the saved map for project; an empty map when none exists
	Load(project string) (models.CacheMap, error)
	// Save replaces the saved map for project
	Save(project string, entries models.CacheMap) error
}

// SnapshotStore keeps the worker pool state of an interrupted crawl
type SnapshotStore interface {
	SavePoolSnapshot(project string, snap *models.PoolSnapshot) error
	// LoadPoolSnapshot returns nil, nil when no snapshot exists
	LoadPoolSnapshot(project string) (*models.PoolSnapshot, error)
	ClearPoolSnapshot(project string) error
}

// StateStore is everything the scheduler persists between runs
type StateStore interface {
	CachePersistence
	SnapshotStore
	RunGC(ctx context.Context, interval time.Duration)
	Close() error
}
