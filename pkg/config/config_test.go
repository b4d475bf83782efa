package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/harvester/pkg/utils"
)

func boolPtr(b bool) *bool {
	return &b
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, `
project: docs
start_urls:
  - https://example.com/docs/
depth: 3
fetch_level: 2
respect_robots: false
num_workers: -1
project_timeout: 90s
filters:
  - pattern: '\.zip$'
    action: exclude
url_priorities:
  - match: .pdf
    priority: -5
http_client_settings:
  timeout: 20s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "docs", cfg.Project)
	assert.Equal(t, []string{"https://example.com/docs/"}, cfg.StartURLs)
	assert.Equal(t, 3, cfg.MaxDepth())
	assert.Equal(t, 2, cfg.FetchLevel)
	assert.False(t, cfg.RobotsEnabled())
	assert.Equal(t, -1, cfg.NumWorkers, "defaults are applied by Validate, not LoadConfig")
	assert.Equal(t, 90*time.Second, cfg.ProjectTimeout)
	require.Len(t, cfg.Filters, 1)
	assert.Equal(t, FilterExclude, cfg.Filters[0].Action)
	require.Len(t, cfg.URLPriorities, 1)
	assert.Equal(t, -5, cfg.URLPriorities[0].Priority)
	assert.Equal(t, 20*time.Second, cfg.HTTPClientSettings.Timeout)
}

func TestLoadConfig_ZeroDepthIsKept(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "start_urls: [\"https://example.com/\"]\ndepth: 0\n"))
	require.NoError(t, err)
	_, err = cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxDepth(), "depth 0 crawls the seeds only")
	assert.Equal(t, 0, cfg.ExternalDepth())

	unset, err := LoadConfig(writeFile(t, "start_urls: [\"https://example.com/\"]\n"))
	require.NoError(t, err)
	_, err = unset.Validate()
	require.NoError(t, err)
	assert.Equal(t, DefaultDepth, unset.MaxDepth())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "start_urls: [unterminated\n"))
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestOptionalToggles(t *testing.T) {
	var cfg AppConfig
	assert.True(t, cfg.RobotsEnabled())
	assert.True(t, cfg.PageCacheEnabled())
	assert.True(t, cfg.ImagesEnabled())
	assert.True(t, cfg.StylesheetsEnabled())

	cfg = AppConfig{
		RespectRobots:    boolPtr(false),
		PageCache:        boolPtr(false),
		FetchImages:      boolPtr(false),
		FetchStylesheets: boolPtr(false),
	}
	assert.False(t, cfg.RobotsEnabled())
	assert.False(t, cfg.PageCacheEnabled())
	assert.False(t, cfg.ImagesEnabled())
	assert.False(t, cfg.StylesheetsEnabled())
}

func TestMultipartEnabled(t *testing.T) {
	assert.False(t, (&AppConfig{NumParts: 1, NumWorkers: 4}).MultipartEnabled())
	assert.True(t, (&AppConfig{NumParts: 3, NumWorkers: 4}).MultipartEnabled())
	assert.False(t, (&AppConfig{NumParts: 3, NumWorkers: 0}).MultipartEnabled(), "parts need the pool")
}

func TestExternalDepth(t *testing.T) {
	five := 5
	assert.Equal(t, 5, (&AppConfig{Depth: &five}).ExternalDepth())
	assert.Equal(t, 1, (&AppConfig{Depth: &five, ExtDepth: 1}).ExternalDepth())
	assert.Equal(t, DefaultDepth, (&AppConfig{}).ExternalDepth())
	assert.Equal(t, 7, (&AppConfig{NumCrawlers: 3, NumFetchers: 4}).TrackerCount())
}
