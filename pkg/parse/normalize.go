package parse

import (
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/Sriram-PR/harvester/pkg/utils"
)

// NormalizeURL standardizes a URL for comparison and storage.
// It lowercases the scheme and host, removes default ports, turns an empty
// path into "/" and drops the fragment. The query string is kept because
// it selects distinct resources on dynamic pages.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	}
	normalized.Fragment = ""
	normalized.RawFragment = ""

	return normalized.String()
}

// ParseAndNormalize parses a URL string using the stricter url.ParseRequestURI (requiring a scheme) and then normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed), parsed, nil
}

// HostPort returns "host:port" with the scheme's default port filled in.
func HostPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

// Origin returns "scheme://host:port", the key robots.txt rules are cached under.
func Origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + HostPort(u)
}

// RobotsURL returns the robots.txt location for u's origin.
func RobotsURL(u *url.URL) string {
	return Origin(u) + "/robots.txt"
}

// Directory returns the origin plus the directory part of u's path, always
// ending in "/". A path ending in "/" is its own directory.
func Directory(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasSuffix(p, "/") {
		p = path.Dir(p)
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
	}
	return Origin(u) + p
}

// SameServer reports whether two URLs share host and port.
func SameServer(a, b *url.URL) bool {
	return HostPort(a) == HostPort(b)
}

// LocalPath maps u to a file under root: root/host[_port]/path.
// Directory URLs map to index.html, and a query string is folded into the
// filename so dynamic pages do not overwrite each other.
func LocalPath(root string, u *url.URL) string {
	hostDir := strings.ToLower(u.Hostname())
	if p := u.Port(); p != "" && p != "80" && p != "443" {
		hostDir += "_" + p
	}

	rel := utils.SanitizeRelativePath(u.Path)
	if rel == "" || strings.HasSuffix(u.Path, "/") {
		rel = path.Join(rel, "index.html")
	}
	if u.RawQuery != "" {
		rel += "_" + utils.SanitizeFilename(u.RawQuery)
	}
	return filepath.Join(root, utils.SanitizeFilename(hostDir), filepath.FromSlash(rel))
}
