package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/harvester/pkg/parse"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "harvester "+version+"\n", out)
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, `
start_urls: ["https://example.com/docs/"]
num_workers: -1
`)
	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "WARN: project is empty, defaulting to 'example.com'")
	assert.Contains(t, out, "WARN: project_dir is empty")
	assert.Contains(t, out, "Workers:     disabled")
	assert.Contains(t, out, "Configuration valid.")
}

func TestValidateCommand_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("no start urls", func(t *testing.T) {
		_, err := execute(t, "validate", "--config", writeConfig(t, "project: empty\n"))
		assert.ErrorContains(t, err, "start_urls")
	})
	t.Run("bad filter", func(t *testing.T) {
		path := writeConfig(t, `
start_urls: ["https://example.com/"]
filters:
  - pattern: "("
    action: exclude
`)
		_, err := execute(t, "validate", "--config", path)
		assert.Error(t, err)
	})
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, "bogus")
	assert.Error(t, err)
}

func crawlConfig(t *testing.T, seed string) (path, projectDir string) {
	t.Helper()
	projectDir = t.TempDir()
	path = writeConfig(t, fmt.Sprintf(`
project: site
start_urls: [%q]
project_dir: %q
state_dir: %q
poll_interval: 20ms
initial_retry_delay: 1ms
`, seed, projectDir, t.TempDir()))
	return path, projectDir
}

func TestExecuteCrawl_MirrorsSite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/about.html">about</a></body></html>`)
	})
	mux.HandleFunc("/about.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>about us</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	path, projectDir := crawlConfig(t, srv.URL+"/index.html")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := executeCrawl(ctx, &options{configFile: path}, false, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "done", stats.Termination)
	assert.Equal(t, 2, stats.FilesSaved)

	u, err := url.Parse(srv.URL + "/about.html")
	require.NoError(t, err)
	got, err := os.ReadFile(parse.LocalPath(projectDir, u))
	require.NoError(t, err)
	assert.Contains(t, string(got), "about us")
}

func TestExecuteCrawl_ResumeWithoutSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>only page</body></html>`)
	}))
	defer srv.Close()

	path, _ := crawlConfig(t, srv.URL+"/")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := executeCrawl(ctx, &options{configFile: path}, true, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesSaved)
}

func TestExecuteCrawl_Simulate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>page</body></html>`)
	}))
	defer srv.Close()

	path, projectDir := crawlConfig(t, srv.URL+"/")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := executeCrawl(ctx, &options{configFile: path, simulate: true}, false, testLogger())
	require.NoError(t, err)

	entries, err := os.ReadDir(projectDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "simulated crawl writes nothing")
}

func TestExecuteCrawl_BadConfig(t *testing.T) {
	_, err := executeCrawl(context.Background(), &options{configFile: writeConfig(t, "project: x\n")}, false, testLogger())
	assert.Error(t, err)
}

func TestWatchCommand_RejectsBadInterval(t *testing.T) {
	path := writeConfig(t, "start_urls: [\"https://example.com/\"]\n")
	_, err := execute(t, "watch", "--config", path, "--interval", "soon")
	assert.ErrorContains(t, err, "invalid interval")
}
