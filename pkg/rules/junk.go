package rules

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/Sriram-PR/harvester/pkg/utils"
)

// Ad, tracker and counter hosts. Matched on the full host and on its
// registrable domain.
var junkDomains = map[string]struct{}{
	"doubleclick.net":        {},
	"googlesyndication.com":  {},
	"googleadservices.com":   {},
	"google-analytics.com":   {},
	"googletagmanager.com":   {},
	"scorecardresearch.com":  {},
	"quantserve.com":         {},
	"adnxs.com":              {},
	"advertising.com":        {},
	"adbrite.com":            {},
	"fastclick.net":          {},
	"valueclick.com":         {},
	"atdmt.com":              {},
	"hitbox.com":             {},
	"statcounter.com":        {},
	"sitemeter.com":          {},
	"webtrends.com":          {},
	"imrworldwide.com":       {},
	"2o7.net":                {},
	"omtrdc.net":             {},
	"linksynergy.com":        {},
	"zedo.com":               {},
	"casalemedia.com":        {},
	"tradedoubler.com":       {},
	"outbrain.com":           {},
	"taboola.com":            {},
	"criteo.com":             {},
	"adform.net":             {},
	"rubiconproject.com":     {},
	"pubmatic.com":           {},
	"amazon-adsystem.com":    {},
	"moatads.com":            {},
}

var junkPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/(ads?|adverts?|advertising|adserver|adimages?|banners?)/`),
	regexp.MustCompile(`(?i)(adbanner|ad_banner|banner_ad|popunder|popup_ad|clickthru|clicktrack)`),
	regexp.MustCompile(`(?i)/(counter|hitcounter|tracker|tracking|pixel)(\.[a-z]+|/|$)`),
	regexp.MustCompile(`(?i)/(ad|banner)[_-]?\d+x\d+\.(gif|jpe?g|png)$`),
}

// checkJunk rejects known ad/tracker hosts and junk-looking paths
func checkJunk(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if _, ok := junkDomains[host]; ok {
		return utils.WrapErrorf(utils.ErrJunkFilter, "junk domain %s", host)
	}
	if base := baseDomain(host); base != host {
		if _, ok := junkDomains[base]; ok {
			return utils.WrapErrorf(utils.ErrJunkFilter, "junk domain %s", base)
		}
	}
	for _, re := range junkPathPatterns {
		if re.MatchString(u.Path) {
			return utils.WrapErrorf(utils.ErrJunkFilter, "junk path %s", u.Path)
		}
	}
	return nil
}
