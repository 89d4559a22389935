package retriever

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// FeedPlugin is the registry name of the RSS/Atom retriever.
const FeedPlugin = "feed"

// FeedConfig configures a feed retriever.
type FeedConfig struct {
	FeedURLs        []string `mapstructure:"feed_urls" validate:"required,min=1,dive,url"`
	IncludePattern  string   `mapstructure:"include_pattern"`
	ExcludePattern  string   `mapstructure:"exclude_pattern"`
	ContentSelector string   `mapstructure:"content_selector"`
	TitleSelector   string   `mapstructure:"title_selector"`
	MaxItems        int      `mapstructure:"max_items" validate:"gte=0"`
	Render          string   `mapstructure:"render" validate:"oneof=static headless auto"`
	Section         string   `mapstructure:"section"`
	BaseURL         string   `mapstructure:"base_url" validate:"omitempty,url"`
}

// DefaultFeedConfig returns the feed defaults.
func DefaultFeedConfig() *FeedConfig {
	return &FeedConfig{ContentSelector: DefaultContentSelector, Render: RenderStatic}
}

// FeedEntry is one item announced by a feed.
type FeedEntry struct {
	Link        string
	Title       string
	PublishedAt *time.Time
}

// Feed reads RSS or Atom listings and acquires the linked articles. The feed
// documents themselves are refetched every run.
type Feed struct {
	name string
	cfg  FeedConfig
	web  *Web
}

// NewFeed validates cfg and builds the source.
func NewFeed(name string, cfg FeedConfig, deps Deps) (*Feed, error) {
	if len(cfg.FeedURLs) == 0 {
		return nil, harvest.NewConfigError("stages."+name+".feed_urls", "at least one feed url is required")
	}
	web, err := NewWeb(name, WebConfig{
		StartURLs:       cfg.FeedURLs,
		IncludePattern:  cfg.IncludePattern,
		ExcludePattern:  cfg.ExcludePattern,
		ContentSelector: cfg.ContentSelector,
		TitleSelector:   cfg.TitleSelector,
		MaxItems:        cfg.MaxItems,
		Render:          cfg.Render,
		Section:         cfg.Section,
		BaseURL:         cfg.BaseURL,
		AllowOffsite:    true,
	}, deps)
	if err != nil {
		return nil, err
	}
	return &Feed{name: name, cfg: cfg, web: web}, nil
}

func buildFeed(name string, cfg any, deps Deps) (harvest.Source, error) {
	typed, err := configAs[FeedConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewFeed(name, *typed, deps)
}

// Name implements harvest.Source.
func (f *Feed) Name() string { return f.name }

// FetchBatch implements harvest.Source.
func (f *Feed) FetchBatch(ctx context.Context, emit harvest.EmitFunc) (harvest.SourceReport, error) {
	report := harvest.SourceReport{Name: f.name}
	logger := f.web.deps.Logger
	seen := make(map[string]struct{})

	for _, feedURL := range f.cfg.FeedURLs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		resp, err := f.web.deps.Fetcher.Fetch(ctx, harvest.FetchRequest{URL: feedURL, Referer: f.cfg.BaseURL})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			logger.Warn("feed fetch failed", zap.String("url", feedURL), zap.Error(err))
			report.Failed++
			continue
		}
		entries, err := ParseFeed(resp.Body)
		if err != nil {
			logger.Warn("feed parse failed", zap.String("url", feedURL), zap.Error(err))
			report.Failed++
			continue
		}
		logger.Debug("feed parsed", zap.String("url", feedURL), zap.Int("entries", len(entries)))

		for _, entry := range entries {
			if f.web.limitReached(report) {
				return report, nil
			}
			key, err := harvest.URLKey(entry.Link)
			if err != nil || !f.web.wanted(key) {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			outcome, err := f.acquire(ctx, key, entry, emit)
			Tally(&report, outcome)
			if err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

func (f *Feed) acquire(ctx context.Context, key string, entry FeedEntry, emit harvest.EmitFunc) (Outcome, error) {
	return f.web.deps.Acquire(ctx, Candidate{
		Source: f.name,
		Key:    key,
		Fetch: func(ctx context.Context) (harvest.FetchResponse, error) {
			return f.web.fetchPage(ctx, entry.Link)
		},
		Build: func(resp harvest.FetchResponse) (harvest.Item, error) {
			item, err := articleItem(f.name, FeedPlugin, f.cfg.Section, key, entry.Link, resp,
				f.cfg.ContentSelector, f.cfg.TitleSelector, f.web.deps.Clock.Now())
			if err != nil {
				return item, err
			}
			if entry.Title != "" {
				item.Title = entry.Title
			}
			if item.Metadata.PublishedAt == nil {
				item.Metadata.PublishedAt = entry.PublishedAt
			}
			return item, nil
		},
	}, emit)
}

var feedDateLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339, "Mon, 2 Jan 2006 15:04:05 -0700"}

// ParseFeed extracts entries from an RSS 2.0 or Atom document.
func ParseFeed(body []byte) ([]FeedEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var entries []FeedEntry
	doc.Find("item").Each(func(_ int, s *goquery.Selection) {
		entry := FeedEntry{
			Link:        rssLink(s),
			Title:       cleanWhitespace(s.Find("title").First().Text()),
			PublishedAt: parseFeedDate(s.Find("pubdate").First().Text()),
		}
		if entry.Link != "" {
			entries = append(entries, entry)
		}
	})
	doc.Find("entry").Each(func(_ int, s *goquery.Selection) {
		entry := FeedEntry{
			Link:  atomLink(s),
			Title: cleanWhitespace(s.Find("title").First().Text()),
		}
		entry.PublishedAt = parseFeedDate(s.Find("published").First().Text())
		if entry.PublishedAt == nil {
			entry.PublishedAt = parseFeedDate(s.Find("updated").First().Text())
		}
		if entry.Link != "" {
			entries = append(entries, entry)
		}
	})
	return entries, nil
}

// rssLink reads <link>. The HTML parser treats link as a void element, so
// its URL ends up in the following text node.
func rssLink(s *goquery.Selection) string {
	link := s.Find("link").First()
	if link.Length() > 0 {
		if t := strings.TrimSpace(link.Text()); t != "" {
			return t
		}
		if next := link.Nodes[0].NextSibling; next != nil && next.Type == html.TextNode {
			if t := strings.TrimSpace(next.Data); t != "" {
				return t
			}
		}
	}
	guid := s.Find("guid").First()
	if guid.AttrOr("ispermalink", "true") != "false" {
		if t := strings.TrimSpace(guid.Text()); strings.HasPrefix(t, "http") {
			return t
		}
	}
	return ""
}

func atomLink(s *goquery.Selection) string {
	var href string
	s.Find("link[href]").EachWithBreak(func(_ int, l *goquery.Selection) bool {
		rel := l.AttrOr("rel", "alternate")
		if rel == "alternate" {
			href = strings.TrimSpace(l.AttrOr("href", ""))
			return false
		}
		return true
	})
	return href
}

func parseFeedDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range feedDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
