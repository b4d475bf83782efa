package rules

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/harvester/pkg/config"
	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type stubRobots struct {
	body  string
	err   error
	calls atomic.Int32
}

func (s *stubRobots) FetchRobotsTxt(_ context.Context, _ string) (*robotstxt.RobotsData, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.body == "" {
		return nil, nil
	}
	return robotstxt.FromString(s.body)
}

func newEngine(t *testing.T, cfg *config.AppConfig, robots RobotsSource, seeds ...string) *Engine {
	t.Helper()
	if cfg.UserAgent == "" {
		cfg.UserAgent = "harvester-test"
	}
	var parsed []*url.URL
	for _, s := range seeds {
		u, err := url.Parse(s)
		require.NoError(t, err)
		parsed = append(parsed, u)
	}
	e, err := NewEngine(cfg, parsed, robots, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func child(rawURL, parent string, depth int) *models.URLTask {
	return &models.URLTask{URL: rawURL, Type: models.TypeWebpage, Depth: depth, ParentURL: parent}
}

func hops(n int) *int { return &n }

func TestAdmit_DepthCutoff(t *testing.T) {
	const D = 3
	e := newEngine(t, &config.AppConfig{Depth: hops(D)}, nil, "http://a.test/index.html")

	blocked, err := e.Admit(context.Background(), child("http://a.test/d.html", "http://a.test/c.html", D))
	assert.False(t, blocked)
	assert.NoError(t, err)

	blocked, err = e.Admit(context.Background(), child("http://a.test/e.html", "http://a.test/d.html", D+1))
	assert.True(t, blocked)
	assert.ErrorIs(t, err, utils.ErrMaxDepthExceeded)
}

func TestAdmit_ZeroDepthKeepsSeedsOnly(t *testing.T) {
	e := newEngine(t, &config.AppConfig{Depth: hops(0)}, nil, "http://a.test/index.html")

	blocked, err := e.Admit(context.Background(), child("http://a.test/about.html", "http://a.test/index.html", 1))
	assert.True(t, blocked)
	assert.ErrorIs(t, err, utils.ErrMaxDepthExceeded)
}

func TestAdmit_ExternalDepthIndependent(t *testing.T) {
	cfg := &config.AppConfig{Depth: hops(5), ExtDepth: 1, FetchLevel: 4}
	e := newEngine(t, cfg, nil, "http://a.test/")

	blocked, _ := e.Admit(context.Background(), child("http://b.test/one.html", "http://a.test/", 1))
	assert.False(t, blocked)

	blocked, err := e.Admit(context.Background(), child("http://b.test/two.html", "http://b.test/one.html", 2))
	assert.True(t, blocked)
	assert.ErrorIs(t, err, utils.ErrMaxDepthExceeded)

	blocked, _ = e.Admit(context.Background(), child("http://a.test/deep.html", "http://a.test/x.html", 4))
	assert.False(t, blocked)
}

func TestAdmit_RejectionIsMemoized(t *testing.T) {
	e := newEngine(t, &config.AppConfig{Depth: hops(1)}, nil, "http://a.test/")
	task := child("http://a.test/far.html", "http://a.test/x.html", 2)

	_, first := e.Admit(context.Background(), task)
	require.ErrorIs(t, first, utils.ErrMaxDepthExceeded)

	// Same URL at an admissible depth still hits the block-list.
	blocked, second := e.Admit(context.Background(), child("http://a.test/far.html", "http://a.test/", 1))
	assert.True(t, blocked)
	assert.ErrorIs(t, second, utils.ErrBlocklisted)
	assert.ErrorIs(t, second, utils.ErrMaxDepthExceeded)
}

func TestAdmit_CustomFiltersEarliestWins(t *testing.T) {
	cfg := &config.AppConfig{
		Filters: []config.FilterRule{
			{Pattern: `/private/public/`, Action: config.FilterInclude},
			{Pattern: `/private/`, Action: config.FilterExclude},
			{Pattern: `\.pdf$`, Action: config.FilterInclude},
		},
	}
	e := newEngine(t, cfg, nil, "http://a.test/")

	blocked, err := e.Admit(context.Background(), child("http://a.test/private/x.html", "", 1))
	assert.True(t, blocked)
	assert.ErrorIs(t, err, utils.ErrCustomFilter)

	blocked, _ = e.Admit(context.Background(), child("http://a.test/private/public/x.html", "", 1))
	assert.False(t, blocked, "include declared first wins")

	blocked, _ = e.Admit(context.Background(), child("http://a.test/docs/x.html", "", 1))
	assert.False(t, blocked, "no match allows")
}

func TestAdmit_JunkFilter(t *testing.T) {
	cfg := &config.AppConfig{FetchLevel: 4, JunkFilter: true}
	e := newEngine(t, cfg, nil, "http://a.test/")

	for _, u := range []string{
		"http://ad.doubleclick.net/banner.gif",
		"http://a.test/ads/top.gif",
		"http://a.test/cgi-bin/counter.cgi",
		"http://a.test/img/ad468x60.gif",
	} {
		blocked, err := e.Admit(context.Background(), child(u, "http://a.test/", 1))
		assert.True(t, blocked, u)
		assert.ErrorIs(t, err, utils.ErrJunkFilter, u)
	}

	blocked, _ := e.Admit(context.Background(), child("http://a.test/adventure.html", "http://a.test/", 1))
	assert.False(t, blocked)
}

func TestAdmit_FetchLevels(t *testing.T) {
	const seed = "http://a.test/docs/index.html"
	tests := []struct {
		name    string
		level   int
		url     string
		parent  string
		blocked bool
	}{
		{"L0 inside start dir", 0, "http://a.test/docs/guide/x.html", seed, false},
		{"L0 other dir", 0, "http://a.test/blog/x.html", seed, true},
		{"L0 other server", 0, "http://b.test/x.html", seed, true},
		{"L1 other dir", 1, "http://a.test/blog/x.html", "http://a.test/blog/y.html", false},
		{"L1 other server", 1, "http://b.test/x.html", seed, true},
		{"L2 other server from seed server", 2, "http://b.test/x.html", "http://a.test/blog/y.html", false},
		{"L2 other server from other server", 2, "http://c.test/x.html", "http://b.test/x.html", true},
		{"L3 other dir from start dir", 3, "http://a.test/blog/x.html", seed, false},
		{"L3 other dir from other dir", 3, "http://a.test/blog/x.html", "http://a.test/blog/y.html", true},
		{"L3 other server from seed server", 3, "http://b.test/x.html", seed, false},
		{"L4 other server from other server", 4, "http://c.test/x.html", "http://b.test/x.html", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, &config.AppConfig{FetchLevel: tt.level}, nil, seed)
			blocked, err := e.Admit(context.Background(), child(tt.url, tt.parent, 1))
			assert.Equal(t, tt.blocked, blocked)
			if tt.blocked {
				assert.ErrorIs(t, err, utils.ErrScopeViolation)
			}
		})
	}
}

func TestAdmit_ExternalServerCeilingGrandfathers(t *testing.T) {
	cfg := &config.AppConfig{FetchLevel: 4, MaxExtServers: 2}
	e := newEngine(t, cfg, nil, "http://a.test/")
	ctx := context.Background()

	for _, u := range []string{"http://b.test/1", "http://c.test/1"} {
		blocked, _ := e.Admit(ctx, child(u, "http://a.test/", 1))
		require.False(t, blocked, u)
	}
	blocked, err := e.Admit(ctx, child("http://d.test/1", "http://a.test/", 1))
	assert.True(t, blocked)
	assert.ErrorIs(t, err, utils.ErrScopeViolation)

	blocked, _ = e.Admit(ctx, child("http://b.test/2", "http://a.test/", 1))
	assert.False(t, blocked, "server admitted before the ceiling stays admitted")
}

func TestAdmit_ImagesBypassExternalCheck(t *testing.T) {
	e := newEngine(t, &config.AppConfig{}, nil, "http://a.test/")
	img := &models.URLTask{URL: "http://cdn.test/logo.png", Type: models.TypeImage, Depth: 1}
	blocked, _ := e.Admit(context.Background(), img)
	assert.False(t, blocked)

	off := false
	e = newEngine(t, &config.AppConfig{FetchImages: &off}, nil, "http://a.test/")
	blocked, err := e.Admit(context.Background(), img)
	assert.True(t, blocked)
	assert.ErrorIs(t, err, utils.ErrScopeViolation)
}

func TestAdmit_SubdomainEquality(t *testing.T) {
	cfg := &config.AppConfig{SubdomainEquality: true}
	e := newEngine(t, cfg, nil, "http://www.a.co.uk/")
	blocked, _ := e.Admit(context.Background(), child("http://docs.a.co.uk/x.html", "http://www.a.co.uk/", 1))
	assert.False(t, blocked)

	blocked, _ = e.Admit(context.Background(), child("http://b.co.uk/x.html", "http://www.a.co.uk/", 1))
	assert.True(t, blocked)
}

func TestAdmit_Robots(t *testing.T) {
	robots := &stubRobots{body: "User-agent: *\nDisallow: /private/\n"}
	e := newEngine(t, &config.AppConfig{}, robots, "http://a.test/")
	ctx := context.Background()

	blocked, err := e.Admit(ctx, child("http://a.test/private/x.html", "", 1))
	assert.True(t, blocked)
	assert.ErrorIs(t, err, utils.ErrRobotsDisallowed)

	blocked, _ = e.Admit(ctx, child("http://a.test/public/x.html", "", 1))
	assert.False(t, blocked)
	blocked, _ = e.Admit(ctx, child("http://a.test/public/y.html", "", 1))
	assert.False(t, blocked)

	assert.Equal(t, int32(1), robots.calls.Load(), "robots.txt fetched once per origin")
}

func TestAdmit_RobotsFetchFailureAllows(t *testing.T) {
	robots := &stubRobots{err: errors.New("connection refused")}
	e := newEngine(t, &config.AppConfig{}, robots, "http://a.test/")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blocked, _ := e.Admit(context.Background(), child("http://a.test/x.html", "", 1))
			assert.False(t, blocked)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), robots.calls.Load())
}

func TestAdmit_RobotsDisabled(t *testing.T) {
	off := false
	robots := &stubRobots{body: "User-agent: *\nDisallow: /\n"}
	e := newEngine(t, &config.AppConfig{RespectRobots: &off}, robots, "http://a.test/")
	blocked, _ := e.Admit(context.Background(), child("http://a.test/x.html", "", 1))
	assert.False(t, blocked)
	assert.Zero(t, robots.calls.Load())
}

func TestIsDuplicateContent(t *testing.T) {
	e := newEngine(t, &config.AppConfig{}, nil, "http://a.test/")
	digest := utils.CalculateBytesSHA256([]byte("<nav>menu</nav>"))

	assert.False(t, e.IsDuplicateContent("http://a.test/1.html", digest))
	assert.False(t, e.IsDuplicateContent("http://a.test/2.html", digest), "same domain repeats are fine")
	assert.True(t, e.IsDuplicateContent("http://b.test/copy.html", digest))
}

func TestSeeLinkAndStats(t *testing.T) {
	e := newEngine(t, &config.AppConfig{}, nil, "http://a.test/")
	e.MarkSeen("http://a.test/")

	assert.False(t, e.SeeLink("http://a.test/"), "seed already seen")
	assert.True(t, e.SeeLink("http://a.test/img.png"))
	assert.True(t, e.SeeLink("http://b.test/x.html"))
	assert.False(t, e.SeeLink("http://b.test/x.html"))

	links, servers, dirs := e.Stats()
	assert.Equal(t, 2, links)
	assert.Equal(t, 2, servers)
	assert.Equal(t, 2, dirs)
}

func TestSeeLink_FilterFalsePositiveStillCounts(t *testing.T) {
	e := newEngine(t, &config.AppConfig{}, nil, "http://a.test/")
	e.links = bloom.New(1, 1) // one bit: every test after the first add is a hit
	e.MarkSeen("http://a.test/")
	require.True(t, e.links.TestString("http://a.test/never-seen.html"))

	assert.True(t, e.SeeLink("http://a.test/never-seen.html"))
	assert.False(t, e.SeeLink("http://a.test/never-seen.html"))
	assert.False(t, e.SeeLink("http://a.test/"))

	links, _, _ := e.Stats()
	assert.Equal(t, 1, links)
}

func TestPriority(t *testing.T) {
	cfg := &config.AppConfig{
		URLPriorities:    []config.PriorityRule{{Match: ".pdf", Priority: 5}, {Match: "/news/", Priority: -2}},
		ServerPriorities: []config.PriorityRule{{Match: "cdn.a.test", Priority: 3}},
	}
	e := newEngine(t, cfg, nil, "http://a.test/")

	for raw, want := range map[string]int{
		"http://a.test/doc.PDF":           5,
		"http://a.test/news/today.html":   -2,
		"http://cdn.a.test/x.pdf":         8,
		"http://img.cdn.a.test/logo.png":  3,
		"http://a.test/plain.html":        0,
	} {
		u, _ := url.Parse(raw)
		assert.Equal(t, want, e.Priority(u), raw)
	}
}
