// Package fetcher defines and implements the document parsing utilities used
// to extract further links out of a fetched page.
package fetcher

import (
	"bytes"
	"path/filepath"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/codepr/spider/web"
)

// Parser extracts outbound links from a fetched document.
type Parser interface {
	Parse(baseURL string, body []byte) ([]string, error)
}

// GoqueryParser is a Parser backed by github.com/PuerkitoBio/goquery. It
// remembers every link it has yielded, across all calls and whatever the
// base URL, and never yields the same resolved link twice.
type GoqueryParser struct {
	excludedExts map[string]bool
	seen         *sync.Map
}

// NewGoqueryParser creates a new parser with goquery as backend.
func NewGoqueryParser() *GoqueryParser {
	return &GoqueryParser{
		excludedExts: make(map[string]bool),
		seen:         new(sync.Map),
	}
}

// ExcludeExtensions adds extensions to the default exclusion pool; anchors
// pointing at them are skipped during extraction.
func (p *GoqueryParser) ExcludeExtensions(exts ...string) {
	for _, ext := range exts {
		p.excludedExts[ext] = true
	}
}

// Parse reads body as HTML and extracts all anchor and canonical-link
// hrefs, resolved against baseURL.
func (p *GoqueryParser) Parse(baseURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return p.extractLinks(doc, baseURL), nil
}

func (p *GoqueryParser) extractLinks(doc *goquery.Document, baseURL string) []string {
	if doc == nil {
		return nil
	}
	var found []string
	doc.Find("a,link").FilterFunction(func(i int, element *goquery.Selection) bool {
		hrefLink, hrefExists := element.Attr("href")
		linkType, linkExists := element.Attr("rel")
		anchorOk := goquery.NodeName(element) == "a" && hrefExists && !p.excludedExts[filepath.Ext(hrefLink)]
		linkOk := linkExists && linkType == "canonical" && !p.excludedExts[filepath.Ext(linkType)]
		return anchorOk || linkOk
	}).Each(func(i int, element *goquery.Selection) {
		href, _ := element.Attr("href")
		resolved := web.Join(baseURL, href)
		if resolved == "" {
			return
		}
		if present, _ := p.seen.LoadOrStore(resolved, false); !present.(bool) {
			found = append(found, resolved)
			p.seen.Store(resolved, true)
		}
	})
	return found
}
