// Package extract turns fetched HTML into typed child URLs.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/harvester/pkg/models"
	"github.com/Sriram-PR/harvester/pkg/parse"
)

// Extractor finds the children of a page. Returned tasks carry URL, Type
// and ParentURL only; the scheduler assigns depth, index and priority.
type Extractor interface {
	Extract(page []byte, baseURL string) ([]models.URLTask, error)
}

// cgiExtensions mark dynamic anchors that are still crawled as pages
var cgiExtensions = map[string]struct{}{
	".cgi": {}, ".pl": {}, ".php": {}, ".asp": {}, ".aspx": {}, ".jsp": {},
}

// HTMLExtractor is the goquery-backed Extractor
type HTMLExtractor struct {
	log *logrus.Entry
}

// NewHTMLExtractor creates an HTMLExtractor
func NewHTMLExtractor(log *logrus.Entry) *HTMLExtractor {
	return &HTMLExtractor{log: log.WithField("component", "extract")}
}

type selectorRule struct {
	selector string
	attr     string
	typ      models.ResourceType
}

var selectorRules = []selectorRule{
	{"a[href]", "href", models.TypeAnchor},
	{"area[href]", "href", models.TypeAnchor},
	{"frame[src]", "src", models.TypeFrame},
	{"iframe[src]", "src", models.TypeFrame},
	{"img[src]", "src", models.TypeImage},
	{"link[href]", "href", models.TypeStylesheet},
	{"script[src]", "src", models.TypeGeneric},
	{"form[action]", "action", models.TypeCGI},
}

// Extract implements Extractor. A <base href> replaces baseURL for
// resolution and is itself reported as a child.
func (x *HTMLExtractor) Extract(page []byte, baseURL string) ([]models.URLTask, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL '%s': %w", baseURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML from '%s': %w", baseURL, err)
	}

	var out []models.URLTask
	seen := make(map[string]struct{})
	add := func(raw string, typ models.ResourceType, resolveAgainst *url.URL) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			return
		}
		ref, err := resolveAgainst.Parse(raw)
		if err != nil {
			x.log.WithField("href", raw).Debugf("Skipping unparseable link: %v", err)
			return
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		normalized := parse.NormalizeURL(ref)
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		out = append(out, models.URLTask{URL: normalized, Type: typ, ParentURL: baseURL})
	}

	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil && b.Host != "" {
			add(b.String(), models.TypeBase, base)
			base = b
		}
	}

	for _, rule := range selectorRules {
		doc.Find(rule.selector).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(rule.attr)
			typ := rule.typ
			switch rule.typ {
			case models.TypeStylesheet:
				if !isStylesheet(s) {
					return
				}
			case models.TypeAnchor:
				typ = classifyAnchor(raw)
			}
			add(raw, typ, base)
		})
	}
	return out, nil
}

func isStylesheet(s *goquery.Selection) bool {
	rel, _ := s.Attr("rel")
	for _, f := range strings.Fields(strings.ToLower(rel)) {
		if f == "stylesheet" {
			return true
		}
	}
	return false
}

// classifyAnchor separates plain pages, dynamic pages and binary resources
func classifyAnchor(raw string) models.ResourceType {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return models.TypeAnchor
	}
	if u.RawQuery != "" {
		return models.TypeCGI
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch {
	case ext == "" || ext == ".html" || ext == ".htm" || ext == ".shtml" || ext == ".xhtml":
		return models.TypeWebpage
	case isCGI(ext):
		return models.TypeCGI
	case isImage(ext):
		return models.TypeImage
	case ext == ".css":
		return models.TypeStylesheet
	}
	return models.TypeGeneric
}

func isCGI(ext string) bool {
	_, ok := cgiExtensions[ext]
	return ok
}

func isImage(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg", ".webp", ".ico", ".tif", ".tiff":
		return true
	}
	return false
}
