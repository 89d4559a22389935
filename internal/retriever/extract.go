package retriever

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

const (
	// DefaultContentSelector picks the article body on most news sites.
	DefaultContentSelector = "article"
	// DefaultLinkSelector finds candidate links on listing pages.
	DefaultLinkSelector = "a[href]"
)

// Article is the readable content pulled out of an HTML page.
type Article struct {
	Title       string
	Text        string
	Language    string
	PublishedAt *time.Time
	Links       []string
}

// ExtractArticle parses body as HTML and returns its main content. The
// content selector falls back to the page body when it matches nothing.
func ExtractArticle(body []byte, pageURL, contentSelector, titleSelector string) (Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Article{}, fmt.Errorf("parse html: %w", err)
	}

	var art Article
	art.Links = collectLinks(doc.Selection, pageURL, DefaultLinkSelector)
	art.Title = extractTitle(doc, titleSelector)
	art.Language = strings.TrimSpace(doc.Find("html").AttrOr("lang", ""))
	art.PublishedAt = extractPublished(doc)

	doc.Find("script, style, noscript, nav, footer").Remove()

	if contentSelector == "" {
		contentSelector = DefaultContentSelector
	}
	content := doc.Find(contentSelector).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	art.Text = paragraphs(content)
	return art, nil
}

func extractTitle(doc *goquery.Document, selector string) string {
	if selector != "" {
		if t := cleanWhitespace(doc.Find(selector).First().Text()); t != "" {
			return t
		}
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(t) != "" {
		return cleanWhitespace(t)
	}
	if t := cleanWhitespace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return cleanWhitespace(doc.Find("h1").First().Text())
}

func extractPublished(doc *goquery.Document) *time.Time {
	candidates := []string{
		doc.Find(`meta[property="article:published_time"]`).AttrOr("content", ""),
		doc.Find("time[datetime]").First().AttrOr("datetime", ""),
	}
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}

// paragraphs joins block-level text with blank lines so splitting can keep
// paragraph boundaries. Text outside blocks is used when there are none.
func paragraphs(sel *goquery.Selection) string {
	var blocks []string
	sel.Find("p, h1, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		if t := cleanWhitespace(s.Text()); t != "" {
			blocks = append(blocks, t)
		}
	})
	if len(blocks) == 0 {
		return cleanWhitespace(sel.Text())
	}
	return strings.Join(blocks, "\n\n")
}

// ExtractLinks returns the normalized http(s) links matched by selector,
// resolved against pageURL, in document order without duplicates.
func ExtractLinks(body []byte, pageURL, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return collectLinks(doc.Selection, pageURL, selector), nil
}

func collectLinks(sel *goquery.Selection, pageURL, selector string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if selector == "" {
		selector = DefaultLinkSelector
	}
	seen := make(map[string]struct{})
	var links []string
	sel.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		norm, err := harvest.NormalizeURL(abs.String())
		if err != nil {
			return
		}
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		links = append(links, norm)
	})
	return links
}

func cleanWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
