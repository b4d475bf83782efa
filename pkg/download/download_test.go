package download

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/harvester/pkg/cache"
	"github.com/Sriram-PR/harvester/pkg/fetch"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type stubConnector struct {
	mu     sync.Mutex
	bodies map[string][]byte
	errs   map[string]error
	calls  int
}

func (s *stubConnector) Fetch(_ context.Context, task *models.URLTask) (*fetch.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.errs[task.URL]; err != nil {
		return nil, err
	}
	body, ok := s.bodies[task.URL]
	if !ok {
		return nil, utils.WrapErrorf(utils.ErrClientHTTPError, "status 404 404 Not Found ")
	}
	if task.Range != nil {
		body = body[task.Range.Start : task.Range.End+1]
	}
	return &fetch.Response{StatusCode: 200, Data: body, ContentLength: int64(len(body))}, nil
}

func (s *stubConnector) FetchRobotsTxt(context.Context, string) (*robotstxt.RobotsData, error) {
	return nil, nil
}
func (s *stubConnector) SupportsRanges(string) bool                    { return true }
func (s *stubConnector) Probe(context.Context, string) (int64, error) { return 0, nil }

type dupRules map[string]bool

func (d dupRules) IsDuplicateContent(rawURL, _ string) bool { return d[rawURL] }

func newManager(t *testing.T, conn fetch.Connector, rules ContentRules, opts Options) (*Manager, *cache.Store) {
	t.Helper()
	if opts.ProjectDir == "" {
		opts.ProjectDir = t.TempDir()
	}
	store := cache.NewStore(cache.Options{PageCache: true, DataCache: opts.DataCache}, testLogger())
	return NewManager(conn, store, rules, opts, testLogger()), store
}

func TestDownload_SaveThenUpToDate(t *testing.T) {
	conn := &stubConnector{bodies: map[string][]byte{"http://a.test/x.bin": []byte("payload")}}
	m, store := newManager(t, conn, nil, Options{})
	task := &models.URLTask{URL: "http://a.test/x.bin", Type: models.TypeGeneric}

	out := m.Download(context.Background(), task)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusSaved, out.Status)
	got, err := os.ReadFile(out.SavedPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	assert.Equal(t, int64(7), store.Bytes())

	out = m.Download(context.Background(), task)
	assert.Equal(t, models.StatusUpToDate, out.Status)
	assert.Equal(t, 1, store.Counts().UpToDate)
}

func TestDownload_RestoresFromDataCache(t *testing.T) {
	conn := &stubConnector{bodies: map[string][]byte{"http://a.test/x.bin": []byte("payload")}}
	m, store := newManager(t, conn, nil, Options{DataCache: true})
	task := &models.URLTask{URL: "http://a.test/x.bin"}

	out := m.Download(context.Background(), task)
	require.Equal(t, models.StatusSaved, out.Status)
	require.NoError(t, os.Remove(out.SavedPath))

	out = m.Download(context.Background(), task)
	assert.Equal(t, models.StatusFromCache, out.Status)
	assert.FileExists(t, out.SavedPath)
	assert.Equal(t, 1, store.Counts().Cached)
}

func TestDownload_MissingFileWithoutDataCacheIsSavedAgain(t *testing.T) {
	conn := &stubConnector{bodies: map[string][]byte{"http://a.test/x.bin": []byte("payload")}}
	m, store := newManager(t, conn, nil, Options{})
	task := &models.URLTask{URL: "http://a.test/x.bin"}

	out := m.Download(context.Background(), task)
	require.Equal(t, models.StatusSaved, out.Status)
	require.NoError(t, os.Remove(out.SavedPath))

	out = m.Download(context.Background(), task)
	assert.Equal(t, models.StatusSaved, out.Status)
	assert.FileExists(t, out.SavedPath)
	assert.Zero(t, store.Counts().UpToDate)
}

func TestDownload_ExistingDirectoryIsRenamed(t *testing.T) {
	dir := t.TempDir()
	conn := &stubConnector{bodies: map[string][]byte{"http://a.test/docs": []byte("<html></html>")}}
	m, _ := newManager(t, conn, nil, Options{ProjectDir: dir})

	target := filepath.Join(dir, "taken")
	require.NoError(t, os.MkdirAll(target, 0755))

	out := m.Download(context.Background(), &models.URLTask{URL: "http://a.test/docs", LocalPath: target})
	assert.Equal(t, models.StatusRenamed, out.Status)
	assert.Equal(t, filepath.Join(target, "index.html"), out.SavedPath)
	assert.FileExists(t, out.SavedPath)
}

func TestTarget_MatchesSavedPath(t *testing.T) {
	conn := &stubConnector{bodies: map[string][]byte{"http://a.test/img/logo.png": []byte("png")}}
	m, store := newManager(t, conn, nil, Options{})
	task := &models.URLTask{URL: "http://a.test/img/logo.png", Type: models.TypeImage}

	target := m.Target(task)
	require.NotEmpty(t, target)
	assert.False(t, store.IsSaved(target))

	out := m.Download(context.Background(), task)
	require.Equal(t, models.StatusSaved, out.Status)
	assert.Equal(t, target, out.SavedPath)
	assert.True(t, store.IsSaved(target))

	assert.Empty(t, m.Target(&models.URLTask{URL: "http://[::1"}))
}

func TestDownload_ContentRulesBlock(t *testing.T) {
	conn := &stubConnector{
		bodies: map[string][]byte{"http://b.test/copy.html": []byte("same")},
		errs:   map[string]error{"http://a.test/huge.iso": utils.WrapErrorf(utils.ErrFileTooLarge, "too big")},
	}
	m, store := newManager(t, conn, dupRules{"http://b.test/copy.html": true}, Options{})

	out := m.Download(context.Background(), &models.URLTask{URL: "http://a.test/huge.iso"})
	assert.Equal(t, models.StatusBlocked, out.Status)
	assert.ErrorIs(t, out.Err, utils.ErrFileTooLarge)

	out = m.Download(context.Background(), &models.URLTask{URL: "http://b.test/copy.html"})
	assert.Equal(t, models.StatusBlocked, out.Status)
	assert.ErrorIs(t, out.Err, utils.ErrDuplicateContent)
	assert.Empty(t, out.SavedPath)

	assert.Equal(t, 2, store.Counts().Blocked)
	assert.Zero(t, store.SavedCount())
}

func TestDownload_FailureIsRecorded(t *testing.T) {
	m, store := newManager(t, &stubConnector{}, nil, Options{})

	out := m.Download(context.Background(), &models.URLTask{URL: "http://a.test/missing"})
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, utils.ErrClientHTTPError)
	require.Len(t, store.RetryCandidates(), 1)
}

func TestDownload_CancelledIsNotRecorded(t *testing.T) {
	conn := &stubConnector{errs: map[string]error{"http://a.test/x": context.Canceled}}
	m, store := newManager(t, conn, nil, Options{})

	out := m.Download(context.Background(), &models.URLTask{URL: "http://a.test/x"})
	assert.Equal(t, models.StatusNotAttempted, out.Status)
	assert.Empty(t, store.RetryCandidates())
}

func TestDownload_PartsThenComplete(t *testing.T) {
	body := []byte("abcdefghij")
	conn := &stubConnector{bodies: map[string][]byte{"http://a.test/big.bin": body}}
	m, store := newManager(t, conn, nil, Options{})
	task := &models.URLTask{URL: "http://a.test/big.bin", Index: 7}

	var fragments []models.Fragment
	for _, r := range []models.ByteRange{{Start: 0, End: 4}, {Start: 5, End: 9}} {
		out := m.Download(context.Background(), task.WithRange(r, 2))
		require.NoError(t, out.Err)
		assert.Equal(t, models.StatusNotAttempted, out.Status)
		fragments = append(fragments, models.Fragment{Data: out.Data})
	}
	assert.Zero(t, store.SavedCount(), "fragments are not recorded")

	out := m.Complete(task, fragments)
	assert.Equal(t, models.StatusSaved, out.Status)
	got, err := os.ReadFile(out.SavedPath)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, 1, store.SavedCount())
}

func spoolFragment(t *testing.T, data []byte) models.Fragment {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "part-*")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return models.Fragment{TempFile: f.Name()}
}

func TestComplete_JoinsSpooledFragments(t *testing.T) {
	m, store := newManager(t, &stubConnector{}, nil, Options{DataCache: true})
	task := &models.URLTask{URL: "http://a.test/big.bin", Index: 9}

	first := spoolFragment(t, []byte("abc"))
	last := spoolFragment(t, []byte("ghij"))
	out := m.Complete(task, []models.Fragment{first, {Data: []byte("def")}, last})
	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusSaved, out.Status)

	got, err := os.ReadFile(out.SavedPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghij"), got)
	assert.Equal(t, int64(10), store.Bytes())
	assert.NoFileExists(t, first.TempFile)
	assert.NoFileExists(t, last.TempFile)

	entry, ok := store.Lookup(task.URL)
	require.True(t, ok)
	assert.Equal(t, []byte("abcdefghij"), entry.Data)
}

func TestComplete_MissingFragmentFails(t *testing.T) {
	m, store := newManager(t, &stubConnector{}, nil, Options{})
	task := &models.URLTask{URL: "http://a.test/big.bin", Index: 9}

	kept := spoolFragment(t, []byte("abc"))
	out := m.Complete(task, []models.Fragment{kept, {TempFile: filepath.Join(t.TempDir(), "gone")}})
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, utils.ErrFilesystem)
	assert.NoFileExists(t, kept.TempFile)
	assert.Equal(t, 1, store.Counts().Failed)
}

func TestDownload_SimulateWritesNothing(t *testing.T) {
	dir := t.TempDir()
	conn := &stubConnector{bodies: map[string][]byte{"http://a.test/x.bin": []byte("payload")}}
	m, store := newManager(t, conn, nil, Options{ProjectDir: dir, Simulate: true})

	out := m.Download(context.Background(), &models.URLTask{URL: "http://a.test/x.bin"})
	assert.Equal(t, models.StatusSaved, out.Status)
	assert.NoFileExists(t, out.SavedPath)
	assert.Equal(t, 1, store.SavedCount())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFail(t *testing.T) {
	m, store := newManager(t, &stubConnector{}, nil, Options{})
	out := m.Fail(&models.URLTask{URL: "http://a.test/x"}, errors.New("boom"))
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Equal(t, 1, store.Counts().Failed)
}
