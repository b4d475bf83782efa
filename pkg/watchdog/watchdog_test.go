package watchdog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/harvester/pkg/cache"
	"github.com/Sriram-PR/harvester/pkg/models"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type recorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recorder) terminate(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

// saveFiles writes n files and records them as saved in order
func saveFiles(t *testing.T, store *cache.Store, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("f%d.bin", i+1))
		require.NoError(t, os.WriteFile(paths[i], []byte("x"), 0644))
		store.RecordOutcome(&models.URLTask{URL: fmt.Sprintf("http://a.test/f%d.bin", i+1)}, models.StatusSaved, paths[i])
	}
	return paths
}

func TestCheck_FileLimitReclaimsNewest(t *testing.T) {
	store := cache.NewStore(cache.Options{}, testLogger())
	paths := saveFiles(t, store, 5)
	rec := &recorder{}

	w := New(Limits{MaxFiles: 3}, store, rec.terminate, testLogger())
	w.Check(time.Now())

	assert.Equal(t, 3, store.SavedCount())
	for _, p := range paths[:3] {
		assert.FileExists(t, p)
	}
	for _, p := range paths[3:] {
		assert.NoFileExists(t, p)
	}
	assert.Equal(t, []string{ReasonFileLimit}, rec.calls())
	assert.Equal(t, ReasonFileLimit, w.Fired())
}

func TestCheck_ExactLimitTerminatesWithoutDeleting(t *testing.T) {
	store := cache.NewStore(cache.Options{}, testLogger())
	paths := saveFiles(t, store, 3)
	rec := &recorder{}

	w := New(Limits{MaxFiles: 3}, store, rec.terminate, testLogger())
	w.Check(time.Now())

	assert.Equal(t, 3, store.SavedCount())
	for _, p := range paths {
		assert.FileExists(t, p)
	}
	assert.Equal(t, []string{ReasonFileLimit}, rec.calls())
}

func TestCheck_LateSavesStillReclaimed(t *testing.T) {
	store := cache.NewStore(cache.Options{}, testLogger())
	saveFiles(t, store, 3)
	rec := &recorder{}

	w := New(Limits{MaxFiles: 3}, store, rec.terminate, testLogger())
	w.Check(time.Now())

	late := filepath.Join(t.TempDir(), "late.bin")
	store.RecordOutcome(&models.URLTask{URL: "http://a.test/late.bin"}, models.StatusSaved, late)
	w.Check(time.Now())

	assert.Equal(t, 3, store.SavedCount())
	assert.Len(t, rec.calls(), 1, "terminate fires once")
}

func TestCheck_MissingFilesAreIgnored(t *testing.T) {
	store := cache.NewStore(cache.Options{}, testLogger())
	for i := 0; i < 4; i++ {
		store.RecordOutcome(&models.URLTask{URL: fmt.Sprint(i)}, models.StatusSaved, fmt.Sprintf("/nonexistent/%d", i))
	}
	w := New(Limits{MaxFiles: 2}, store, nil, testLogger())
	assert.NotPanics(t, func() { w.Check(time.Now()) })
	assert.Equal(t, 2, store.SavedCount())
}

func TestCheck_TimeLimit(t *testing.T) {
	store := cache.NewStore(cache.Options{}, testLogger())
	rec := &recorder{}
	w := New(Limits{TimeLimit: time.Minute}, store, rec.terminate, testLogger())

	w.Check(w.start.Add(30 * time.Second))
	assert.Empty(t, rec.calls())

	w.Check(w.start.Add(time.Minute))
	assert.Equal(t, []string{ReasonTimeLimit}, rec.calls())
}

func TestCheck_NoLimits(t *testing.T) {
	store := cache.NewStore(cache.Options{}, testLogger())
	saveFiles(t, store, 10)
	rec := &recorder{}
	w := New(Limits{}, store, rec.terminate, testLogger())
	w.Check(time.Now().Add(24 * time.Hour))
	assert.Empty(t, rec.calls())
	assert.Equal(t, 10, store.SavedCount())
}

func TestRun_StopsOnContext(t *testing.T) {
	store := cache.NewStore(cache.Options{}, testLogger())
	fired := make(chan string, 1)
	w := New(Limits{TimeLimit: 30 * time.Millisecond, Interval: 10 * time.Millisecond}, store,
		func(reason string) { fired <- reason }, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case reason := <-fired:
		assert.Equal(t, ReasonTimeLimit, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("time limit never fired")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
