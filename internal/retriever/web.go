package retriever

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// WebPlugin is the registry name of the listing crawler.
const WebPlugin = "web"

// Render modes for page fetches.
const (
	RenderStatic   = "static"
	RenderHeadless = "headless"
	RenderAuto     = "auto"
)

// WebConfig configures a listing crawler.
type WebConfig struct {
	StartURLs       []string `mapstructure:"start_urls" validate:"required,min=1,dive,url"`
	LinkSelector    string   `mapstructure:"link_selector"`
	IncludePattern  string   `mapstructure:"include_pattern"`
	ExcludePattern  string   `mapstructure:"exclude_pattern"`
	ContentSelector string   `mapstructure:"content_selector"`
	TitleSelector   string   `mapstructure:"title_selector"`
	MaxDepth        int      `mapstructure:"max_depth" validate:"gte=0,lte=5"`
	MaxItems        int      `mapstructure:"max_items" validate:"gte=0"`
	Render          string   `mapstructure:"render" validate:"oneof=static headless auto"`
	Section         string   `mapstructure:"section"`
	BaseURL         string   `mapstructure:"base_url" validate:"omitempty,url"`
	AllowOffsite    bool     `mapstructure:"allow_offsite"`
}

// DefaultWebConfig returns the crawler defaults.
func DefaultWebConfig() *WebConfig {
	return &WebConfig{
		LinkSelector:    DefaultLinkSelector,
		ContentSelector: DefaultContentSelector,
		MaxDepth:        1,
		Render:          RenderStatic,
	}
}

// Web crawls listing pages breadth first. Pages above MaxDepth are listings
// and are refetched every run; links found at MaxDepth are article
// candidates and go through the dedup flow. With MaxDepth 0 the start URLs
// are the articles.
type Web struct {
	name    string
	cfg     WebConfig
	include *regexp.Regexp
	exclude *regexp.Regexp
	deps    Deps
}

// NewWeb validates cfg and builds the source.
func NewWeb(name string, cfg WebConfig, deps Deps) (*Web, error) {
	field := "stages." + name
	if len(cfg.StartURLs) == 0 {
		return nil, harvest.NewConfigError(field+".start_urls", "at least one start url is required")
	}
	if deps.Store == nil || deps.Fetcher == nil {
		return nil, harvest.NewConfigError(field, "dedup store and fetcher are required")
	}
	if cfg.Render == "" {
		cfg.Render = RenderStatic
	}
	if cfg.Render == RenderHeadless && deps.Headless == nil {
		return nil, harvest.NewConfigError(field+".render", "headless rendering is disabled")
	}
	w := &Web{name: name, cfg: cfg, deps: deps.withDefaults()}
	var err error
	if cfg.IncludePattern != "" {
		if w.include, err = regexp.Compile(cfg.IncludePattern); err != nil {
			return nil, harvest.NewConfigError(field+".include_pattern", "%v", err)
		}
	}
	if cfg.ExcludePattern != "" {
		if w.exclude, err = regexp.Compile(cfg.ExcludePattern); err != nil {
			return nil, harvest.NewConfigError(field+".exclude_pattern", "%v", err)
		}
	}
	w.deps.Logger = w.deps.Logger.With(zap.String("source", name))
	return w, nil
}

func buildWeb(name string, cfg any, deps Deps) (harvest.Source, error) {
	typed, err := configAs[WebConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewWeb(name, *typed, deps)
}

// Name implements harvest.Source.
func (w *Web) Name() string { return w.name }

type frontier struct {
	url   string
	depth int
}

// FetchBatch implements harvest.Source.
func (w *Web) FetchBatch(ctx context.Context, emit harvest.EmitFunc) (harvest.SourceReport, error) {
	report := harvest.SourceReport{Name: w.name}
	visited := make(map[string]struct{})
	var queue []frontier
	for _, raw := range w.cfg.StartURLs {
		norm, err := harvest.NormalizeURL(raw)
		if err != nil {
			w.deps.Logger.Warn("skipping invalid start url", zap.String("url", raw), zap.Error(err))
			report.Failed++
			continue
		}
		if _, ok := visited[norm]; ok {
			continue
		}
		visited[norm] = struct{}{}
		queue = append(queue, frontier{url: norm})
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if w.limitReached(report) {
			w.deps.Logger.Info("max_items reached", zap.Int("max_items", w.cfg.MaxItems))
			break
		}
		next := queue[0]
		queue = queue[1:]

		if next.depth >= w.cfg.MaxDepth {
			outcome, err := w.acquireArticle(ctx, next.url, emit)
			Tally(&report, outcome)
			if err != nil {
				return report, err
			}
			continue
		}

		links, err := w.expandListing(ctx, next.url)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			w.deps.Logger.Warn("listing fetch failed", zap.String("url", next.url), zap.Error(err))
			report.Failed++
			continue
		}
		for _, link := range links {
			if _, ok := visited[link]; ok {
				continue
			}
			child := frontier{url: link, depth: next.depth + 1}
			if child.depth >= w.cfg.MaxDepth && !w.wanted(link) {
				continue
			}
			visited[link] = struct{}{}
			queue = append(queue, child)
		}
	}
	return report, nil
}

func (w *Web) limitReached(report harvest.SourceReport) bool {
	return w.cfg.MaxItems > 0 && report.Emitted >= w.cfg.MaxItems
}

func (w *Web) wanted(link string) bool {
	if w.include != nil && !w.include.MatchString(link) {
		return false
	}
	if w.exclude != nil && w.exclude.MatchString(link) {
		return false
	}
	return true
}

func (w *Web) expandListing(ctx context.Context, pageURL string) ([]string, error) {
	resp, err := w.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	base := resp.URL
	if base == "" {
		base = pageURL
	}
	links, err := ExtractLinks(resp.Body, base, w.cfg.LinkSelector)
	if err != nil {
		return nil, err
	}
	if w.cfg.AllowOffsite {
		return links, nil
	}
	host := harvest.Host(pageURL)
	out := links[:0]
	for _, link := range links {
		if harvest.Host(link) == host {
			out = append(out, link)
		}
	}
	return out, nil
}

func (w *Web) acquireArticle(ctx context.Context, articleURL string, emit harvest.EmitFunc) (Outcome, error) {
	key, err := harvest.URLKey(articleURL)
	if err != nil {
		w.deps.Logger.Warn("skipping invalid article url", zap.String("url", articleURL), zap.Error(err))
		return Failed, nil
	}
	return w.deps.Acquire(ctx, Candidate{
		Source: w.name,
		Key:    key,
		Fetch: func(ctx context.Context) (harvest.FetchResponse, error) {
			return w.fetchPage(ctx, articleURL)
		},
		Build: func(resp harvest.FetchResponse) (harvest.Item, error) {
			return w.buildItem(key, articleURL, resp)
		},
	}, emit)
}

func (w *Web) buildItem(key, articleURL string, resp harvest.FetchResponse) (harvest.Item, error) {
	return articleItem(w.name, WebPlugin, w.cfg.Section, key, articleURL, resp,
		w.cfg.ContentSelector, w.cfg.TitleSelector, w.deps.Clock.Now())
}

// fetchPage applies the render mode. In auto mode a page the detector flags
// is rendered headless, and the static copy is kept if rendering fails.
func (w *Web) fetchPage(ctx context.Context, pageURL string) (harvest.FetchResponse, error) {
	req := harvest.FetchRequest{URL: pageURL, Referer: w.cfg.BaseURL}
	if w.cfg.Render == RenderHeadless {
		return w.deps.Headless.Fetch(ctx, req)
	}
	resp, err := w.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return resp, err
	}
	if w.cfg.Render != RenderAuto || w.deps.Headless == nil || w.deps.Detector == nil {
		return resp, nil
	}
	if !w.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := w.deps.Headless.Fetch(ctx, req)
	if err != nil {
		w.deps.Logger.Warn("headless render failed, keeping static body", zap.String("url", pageURL), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true
	return rendered, nil
}

func articleItem(source, plugin, section, key, articleURL string, resp harvest.FetchResponse,
	contentSelector, titleSelector string, now time.Time,
) (harvest.Item, error) {
	base := resp.URL
	if base == "" {
		base = articleURL
	}
	art, err := ExtractArticle(resp.Body, base, contentSelector, titleSelector)
	if err != nil {
		return harvest.Item{}, fmt.Errorf("extract %s: %w", articleURL, err)
	}
	item := NewItem(source, plugin, section, key, articleURL, now)
	item.Raw = resp.Body
	item.ContentType = resp.Headers.Get("Content-Type")
	item.Title = art.Title
	item.Text = art.Text
	item.Metadata.Language = art.Language
	item.Metadata.PublishedAt = art.PublishedAt
	item.Metadata.Links = art.Links
	return item, nil
}
