package parse

import (
	"net/url"
	"path/filepath"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestNormalizeURL_NilInput(t *testing.T) {
	if result := NormalizeURL(nil); result != "" {
		t.Errorf("NormalizeURL(nil) = %q, want empty string", result)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"UppercaseSchemeHost", "HTTP://EXAMPLE.COM/Path", "http://example.com/Path"},
		{"DefaultHTTPPort", "http://example.com:80/a", "http://example.com/a"},
		{"DefaultHTTPSPort", "https://example.com:443/a", "https://example.com/a"},
		{"CustomPortKept", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"EmptyPath", "http://example.com", "http://example.com/"},
		{"FragmentRemoved", "http://example.com/a#top", "http://example.com/a"},
		{"QueryKept", "http://example.com/cgi?id=2", "http://example.com/cgi?id=2"},
		{"TrailingSlashKept", "http://example.com/docs/", "http://example.com/docs/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeURL(mustParse(t, tt.input)); got != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	u := mustParse(t, "HTTP://Example.com:80/a#frag")
	NormalizeURL(u)
	if u.Scheme != "HTTP" || u.Fragment != "frag" {
		t.Errorf("input was modified: %s", u.String())
	}
}

func TestParseAndNormalize_Invalid(t *testing.T) {
	if _, _, err := ParseAndNormalize("not a url"); err == nil {
		t.Error("expected error for relative input")
	}
}

func TestDirectory(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://a.test/index.html", "http://a.test:80/"},
		{"http://a.test/docs/guide/page.html", "http://a.test:80/docs/guide/"},
		{"http://a.test/docs/", "http://a.test:80/docs/"},
		{"https://a.test", "https://a.test:443/"},
	}
	for _, tt := range tests {
		if got := Directory(mustParse(t, tt.input)); got != tt.expected {
			t.Errorf("Directory(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRobotsURL(t *testing.T) {
	got := RobotsURL(mustParse(t, "https://A.test:8443/x/y.html"))
	if got != "https://a.test:8443/robots.txt" {
		t.Errorf("RobotsURL = %q", got)
	}
}

func TestSameServer(t *testing.T) {
	if !SameServer(mustParse(t, "http://a.test/x"), mustParse(t, "http://A.test:80/y")) {
		t.Error("expected default port to compare equal")
	}
	if SameServer(mustParse(t, "http://a.test/x"), mustParse(t, "http://a.test:8080/x")) {
		t.Error("different ports must not compare equal")
	}
}

func TestLocalPath(t *testing.T) {
	root := filepath.Join("out", "proj")
	tests := []struct {
		input    string
		expected string
	}{
		{"http://a.test/index.html", filepath.Join(root, "a.test", "index.html")},
		{"http://a.test/", filepath.Join(root, "a.test", "index.html")},
		{"http://a.test/docs/", filepath.Join(root, "a.test", "docs", "index.html")},
		{"http://a.test:8080/img.png", filepath.Join(root, "a.test_8080", "img.png")},
		{"http://a.test/../../etc/passwd", filepath.Join(root, "a.test", "etc", "passwd")},
		{"http://a.test/list.cgi?page=2", filepath.Join(root, "a.test", "list.cgi_page=2")},
	}
	for _, tt := range tests {
		if got := LocalPath(root, mustParse(t, tt.input)); got != tt.expected {
			t.Errorf("LocalPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
