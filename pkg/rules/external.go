package rules

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

// Fetch levels:
//
//	0  stay inside the starting directory
//	1  other directories on the starting server
//	2  level 1, plus links from seed-server pages to other servers
//	3  like 2, but only one hop: children of the starting directory may
//	   leave it, and children of seed-server pages may leave the server
//	4  follow everything, subject only to the external counters
//
// Level 3 is the one place where the two crossing rules differ from level 2;
// on the same server a level 3 URL outside the starting directory is only
// admitted when its parent sits in the starting directory.
func (e *Engine) checkExternal(task *models.URLTask, u *url.URL) error {
	switch task.Type {
	case models.TypeImage:
		if e.cfg.ImagesEnabled() {
			return nil
		}
		return utils.WrapErrorf(utils.ErrScopeViolation, "image fetching disabled")
	case models.TypeStylesheet:
		if e.cfg.StylesheetsEnabled() {
			return nil
		}
		return utils.WrapErrorf(utils.ErrScopeViolation, "stylesheet fetching disabled")
	}

	if e.underStartingDirectory(u) {
		return nil
	}

	level := e.cfg.FetchLevel
	parent := parseParent(task.ParentURL)

	if e.isSeedServer(u) {
		switch level {
		case 0:
			return utils.WrapErrorf(utils.ErrScopeViolation, "outside starting directory at fetch level 0")
		case 3:
			if parent == nil || !e.isSeedDirectory(parent) {
				return utils.WrapErrorf(utils.ErrScopeViolation, "parent not in starting directory at fetch level 3")
			}
		}
		return e.countExternal(e.extDirs, parse.Directory(u), e.cfg.MaxExtDirs, "directories")
	}

	switch level {
	case 0, 1:
		return utils.WrapErrorf(utils.ErrScopeViolation, "external server at fetch level %d", level)
	case 2, 3:
		if parent == nil || !e.isSeedServer(parent) {
			return utils.WrapErrorf(utils.ErrScopeViolation, "parent not on starting server at fetch level %d", level)
		}
	}
	return e.countExternal(e.extServers, parse.HostPort(u), e.cfg.MaxExtServers, "servers")
}

// countExternal records key in seen and rejects it when it is beyond max.
// Keys admitted before the ceiling was reached stay admitted.
func (e *Engine) countExternal(seen map[string]int, key string, max int, what string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := seen[key]
	if !ok {
		order = len(seen) + 1
		if max > 0 && order > max {
			return utils.WrapErrorf(utils.ErrScopeViolation, "external %s limit %d reached", what, max)
		}
		seen[key] = order
	}
	if max > 0 && order > max {
		return utils.WrapErrorf(utils.ErrScopeViolation, "external %s limit %d reached", what, max)
	}
	return nil
}

func (e *Engine) underStartingDirectory(u *url.URL) bool {
	dir := parse.Directory(u)
	for seedDir := range e.seedDirs {
		if strings.HasPrefix(dir, seedDir) {
			return true
		}
	}
	if !e.cfg.SubdomainEquality {
		return false
	}
	// Sibling subdomains share the directory tree of the seed.
	for _, s := range e.seeds {
		if sameBaseDomain(u, s) && strings.HasPrefix(dirPath(u), dirPath(s)) {
			return true
		}
	}
	return false
}

func (e *Engine) isSeedDirectory(u *url.URL) bool {
	_, ok := e.seedDirs[parse.Directory(u)]
	return ok
}

func (e *Engine) isSeedServer(u *url.URL) bool {
	for _, s := range e.seeds {
		if parse.SameServer(u, s) {
			return true
		}
		if e.cfg.SubdomainEquality && sameBaseDomain(u, s) {
			return true
		}
	}
	return false
}

// sameBaseDomain compares registrable domains ("docs.a.co.uk" ~ "a.co.uk").
func sameBaseDomain(a, b *url.URL) bool {
	return baseDomain(a.Hostname()) == baseDomain(b.Hostname())
}

func baseDomain(host string) string {
	host = strings.ToLower(host)
	if base, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return base
	}
	return host
}

func dirPath(u *url.URL) string {
	dir := parse.Directory(u)
	return dir[len(parse.Origin(u)):]
}

func parseParent(raw string) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}
