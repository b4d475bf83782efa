package rules

import (
	"errors"
	"net/url"
	"strings"

	"github.com/allegro/bigcache/v3"

	"github.com/Sriram-PR/harvester/pkg/config"
	"github.com/Sriram-PR/harvester/pkg/parse"
)

// IsDuplicateContent reports whether digest was already seen from a
// different domain. Repeats within one domain are expected on mirrors and
// are not flagged. The first domain to present a digest owns it.
func (e *Engine) IsDuplicateContent(rawURL, digest string) bool {
	domain := ""
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		domain = parse.HostPort(u)
	}

	e.contentMu.Lock()
	defer e.contentMu.Unlock()

	owner, err := e.content.Get(digest)
	if err == nil {
		return string(owner) != domain
	}
	if !errors.Is(err, bigcache.ErrEntryNotFound) {
		e.log.Warnf("Content digest lookup failed: %v", err)
		return false
	}
	if err := e.content.Set(digest, []byte(domain)); err != nil {
		e.log.Warnf("Content digest store failed: %v", err)
	}
	return false
}

// Priority scores u from the configured url and server tables. The first
// matching rule of each table applies and the two are summed.
func (e *Engine) Priority(u *url.URL) int {
	return urlPriority(e.cfg.URLPriorities, u) + serverPriority(e.cfg.ServerPriorities, u)
}

func urlPriority(table []config.PriorityRule, u *url.URL) int {
	path := strings.ToLower(u.Path)
	full := u.String()
	for _, r := range table {
		if r.Match == "" {
			continue
		}
		if strings.HasPrefix(r.Match, ".") {
			if strings.HasSuffix(path, strings.ToLower(r.Match)) {
				return r.Priority
			}
			continue
		}
		if strings.Contains(full, r.Match) {
			return r.Priority
		}
	}
	return 0
}

func serverPriority(table []config.PriorityRule, u *url.URL) int {
	host := strings.ToLower(u.Hostname())
	for _, r := range table {
		m := strings.ToLower(r.Match)
		if m != "" && (host == m || strings.HasSuffix(host, "."+m)) {
			return r.Priority
		}
	}
	return 0
}
