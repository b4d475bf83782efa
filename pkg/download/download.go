// Package download is the routine shared by fetcher trackers and pool
// workers: fetch, apply content rules, consult the cache, save, record.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/cache"
	"github.com/Sriram-PR/harvester/pkg/fetch"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

// ContentRules is the part of the rules engine consulted after a fetch
type ContentRules interface {
	IsDuplicateContent(rawURL, digest string) bool
}

// Options controls where and whether files are written
type Options struct {
	ProjectDir string
	Simulate   bool
	DataCache  bool
}

// Manager runs downloads against one project
type Manager struct {
	conn  fetch.Connector
	store *cache.Store
	rules ContentRules
	opts  Options
	log   *logrus.Entry
}

// NewManager creates a Manager
func NewManager(conn fetch.Connector, store *cache.Store, rules ContentRules, opts Options, log *logrus.Entry) *Manager {
	return &Manager{
		conn:  conn,
		store: store,
		rules: rules,
		opts:  opts,
		log:   log.WithField("component", "download"),
	}
}

// Connector returns the connector downloads go through
func (m *Manager) Connector() fetch.Connector {
	return m.conn
}

// Download fetches task and files the result. For a range part only the
// fragment is returned (status NotAttempted) and nothing is recorded; the
// assembled resource goes through Complete.
func (m *Manager) Download(ctx context.Context, task *models.URLTask) models.FetchOutcome {
	taskLog := m.log.WithFields(logrus.Fields{"url": task.URL, "type": task.Type})

	resp, err := m.conn.Fetch(ctx, task)
	if err != nil {
		if task.IsPart() {
			return models.FetchOutcome{Status: models.StatusFailed, Err: err}
		}
		return m.fail(task, taskLog, err)
	}
	if task.IsPart() {
		return models.FetchOutcome{Status: models.StatusNotAttempted, Data: resp.Data, TempFile: resp.TempFile, Bytes: resp.Size()}
	}
	return m.finish(task, resp, taskLog)
}

// Complete files a multi-part resource from its ordered fragments. The
// fragments' temp files are removed whatever the outcome.
func (m *Manager) Complete(task *models.URLTask, fragments []models.Fragment) models.FetchOutcome {
	whole := *task
	whole.Range = nil
	whole.Parts = 0
	taskLog := m.log.WithFields(logrus.Fields{"url": task.URL, "parts": len(fragments)})

	resp, err := join(fragments)
	for _, f := range fragments {
		f.Discard()
	}
	if err != nil {
		return m.fail(&whole, taskLog, err)
	}
	taskLog.Debug("Assembled multi-part download")
	return m.finish(&whole, resp, taskLog)
}

// join concatenates fragments in order. If any fragment was spooled to
// disk the result is a new temp file, otherwise it stays in memory.
func join(fragments []models.Fragment) (*fetch.Response, error) {
	spooled := false
	size := 0
	for _, f := range fragments {
		spooled = spooled || f.TempFile != ""
		size += len(f.Data)
	}
	if !spooled {
		data := make([]byte, 0, size)
		for _, f := range fragments {
			data = append(data, f.Data...)
		}
		return &fetch.Response{StatusCode: 200, Data: data, ContentLength: int64(len(data))}, nil
	}

	out, err := os.CreateTemp("", "harvester-*.joined")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %w", utils.ErrFilesystem, err)
	}
	written, copyErr := writeFragments(out, fragments)
	if err := errors.Join(copyErr, out.Close()); err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("%w: joining fragments: %w", utils.ErrFilesystem, err)
	}
	return &fetch.Response{StatusCode: 200, TempFile: out.Name(), ContentLength: written}, nil
}

func writeFragments(w io.Writer, fragments []models.Fragment) (int64, error) {
	var total int64
	for _, f := range fragments {
		if f.TempFile == "" {
			n, err := w.Write(f.Data)
			total += int64(n)
			if err != nil {
				return total, err
			}
			continue
		}
		in, err := os.Open(f.TempFile)
		if err != nil {
			return total, err
		}
		n, err := io.Copy(w, in)
		in.Close()
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Fail records task as failed with err
func (m *Manager) Fail(task *models.URLTask, err error) models.FetchOutcome {
	return m.fail(task, m.log.WithField("url", task.URL), err)
}

func (m *Manager) fail(task *models.URLTask, taskLog *logrus.Entry, err error) models.FetchOutcome {
	if errors.Is(err, utils.ErrFileTooLarge) {
		taskLog.Info("Skipping resource over the file size limit")
		m.store.RecordOutcome(task, models.StatusBlocked, "")
		return models.FetchOutcome{Status: models.StatusBlocked, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return models.FetchOutcome{Status: models.StatusNotAttempted, Err: err}
	}
	taskLog.WithField("category", utils.CategorizeError(err)).Warnf("Download failed: %v", err)
	m.store.RecordOutcome(task, models.StatusFailed, "")
	return models.FetchOutcome{Status: models.StatusFailed, Err: err}
}

func (m *Manager) finish(task *models.URLTask, resp *fetch.Response, taskLog *logrus.Entry) models.FetchOutcome {
	out := models.FetchOutcome{Data: resp.Data, TempFile: resp.TempFile, Bytes: resp.Size()}
	defer func() {
		if resp.TempFile != "" {
			os.Remove(resp.TempFile)
		}
	}()

	digest, err := utils.CalculateOutcomeSHA256(resp.Data, resp.TempFile)
	if err != nil {
		return m.fail(task, taskLog, err)
	}
	if out.Bytes > 0 && m.rules != nil && m.rules.IsDuplicateContent(task.URL, digest) {
		taskLog.Debug("Duplicate content from another domain")
		m.store.RecordOutcome(task, models.StatusBlocked, "")
		out.Status = models.StatusBlocked
		out.Err = utils.WrapErrorf(utils.ErrDuplicateContent, "%s", digest)
		return out
	}

	target, renamed, err := m.target(task)
	if err != nil {
		return m.fail(task, taskLog, err)
	}
	out.SavedPath = target

	if m.opts.Simulate {
		out.Status = models.StatusSaved
		m.store.RecordOutcome(task, out.Status, target)
		taskLog.Debug("Simulated save")
		return out
	}

	cacheData := resp.Data
	if m.opts.DataCache && cacheData == nil && resp.TempFile != "" {
		cacheData, _ = os.ReadFile(resp.TempFile)
	}
	unchanged := m.store.Unchanged(task.URL, digest, resp.LastModified)
	var upToDate bool
	if resp.LastModified > 0 {
		upToDate, _ = m.store.CheckUpToDateByTime(task.URL, target, resp.LastModified, cacheData)
	} else {
		upToDate, _ = m.store.CheckUpToDateDigest(task.URL, target, out.Bytes, digest, cacheData)
	}
	if upToDate {
		m.store.RecordOutcome(task, models.StatusUpToDate, target)
		out.Status = models.StatusUpToDate
		return out
	}
	if unchanged && !fileExists(target) && m.store.RestoreFromCache(task.URL, target) {
		m.store.RecordOutcome(task, models.StatusFromCache, target)
		out.Status = models.StatusFromCache
		return out
	}

	if err := save(target, resp); err != nil {
		return m.fail(task, taskLog, err)
	}
	out.Status = models.StatusSaved
	if renamed {
		out.Status = models.StatusRenamed
	}
	m.store.AddBytes(out.Bytes)
	m.store.RecordOutcome(task, out.Status, target)
	taskLog.WithFields(logrus.Fields{"path": target, "bytes": out.Bytes}).Debug("Saved")
	return out
}

// Target is the path task would be saved to, or "" when its URL cannot be
// mapped to one.
func (m *Manager) Target(task *models.URLTask) string {
	p, _, err := m.target(task)
	if err != nil {
		return ""
	}
	return p
}

// target resolves the on-disk path for task. An existing directory at the
// natural path turns the target into its index.html.
func (m *Manager) target(task *models.URLTask) (string, bool, error) {
	p := task.LocalPath
	if p == "" {
		u, err := url.Parse(task.URL)
		if err != nil {
			return "", false, fmt.Errorf("%w: mapping '%s' to a path: %w", utils.ErrFilesystem, task.URL, err)
		}
		p = parse.LocalPath(m.opts.ProjectDir, u)
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		return filepath.Join(p, "index.html"), true, nil
	}
	return p, false, nil
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func save(target string, resp *fetch.Response) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for '%s': %w", utils.ErrFilesystem, target, err)
	}
	if resp.TempFile == "" {
		if err := os.WriteFile(target, resp.Data, 0644); err != nil {
			return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, target, err)
		}
		return nil
	}
	if err := os.Rename(resp.TempFile, target); err == nil {
		return nil
	}
	return copyFile(resp.TempFile, target)
}

// copyFile is the cross-device fallback for moving a temp file
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: opening '%s': %w", utils.ErrFilesystem, src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: creating '%s': %w", utils.ErrFilesystem, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("%w: copying to '%s': %w", utils.ErrFilesystem, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: closing '%s': %w", utils.ErrFilesystem, dst, err)
	}
	return nil
}
