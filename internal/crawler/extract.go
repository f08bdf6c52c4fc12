package crawler

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMaxContentBytes bounds the text kept per document.
const DefaultMaxContentBytes = 10000

// Extraction is the text and outgoing links found in a fetched body.
type Extraction struct {
	Content string
	Links   []string
}

// Extract pulls content and links out of body fetched from pageURL.
// Bodies that are JSON objects with a "results" array yield the URLs listed
// there; anything else is parsed as HTML. Links are absolute http(s) URLs
// without fragments, in document order, without duplicates.
func Extract(pageURL string, body []byte, maxContent int) Extraction {
	if maxContent <= 0 {
		maxContent = DefaultMaxContentBytes
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	if out, ok := extractJSONResults(base, body, maxContent); ok {
		return out
	}
	return extractHTML(base, body, maxContent)
}

func extractJSONResults(base *url.URL, body []byte, maxContent int) (Extraction, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Extraction{}, false
	}
	var envelope struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil || envelope.Results == nil {
		return Extraction{}, false
	}
	links := newLinkSet()
	for _, raw := range envelope.Results {
		var plain string
		if err := json.Unmarshal(raw, &plain); err == nil {
			links.add(base, plain)
			continue
		}
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		for _, key := range []string{"url", "link", "href"} {
			if value, ok := item[key].(string); ok {
				links.add(base, value)
				break
			}
		}
	}
	return Extraction{
		Content: truncateUTF8(collapseSpace(string(trimmed)), maxContent),
		Links:   links.list,
	}, true
}

func extractHTML(base *url.URL, body []byte, maxContent int) Extraction {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extraction{Content: truncateUTF8(collapseSpace(string(body)), maxContent)}
	}
	doc.Find("script, style, noscript").Remove()

	links := newLinkSet()
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		links.add(base, href)
	})

	title := collapseSpace(doc.Find("title").First().Text())
	text := collapseSpace(doc.Find("body").Text())
	content := text
	if title != "" && !strings.HasPrefix(text, title) {
		content = strings.TrimSpace(title + " " + text)
	}
	return Extraction{
		Content: truncateUTF8(content, maxContent),
		Links:   links.list,
	}
}

type linkSet struct {
	seen map[string]struct{}
	list []string
}

func newLinkSet() *linkSet {
	return &linkSet{seen: make(map[string]struct{})}
}

func (l *linkSet) add(base *url.URL, href string) {
	resolved, ok := ResolveLink(base, href)
	if !ok {
		return
	}
	if _, dup := l.seen[resolved]; dup {
		return
	}
	l.seen[resolved] = struct{}{}
	l.list = append(l.list, resolved)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
