// Package collyfetcher implements a single-attempt fetch engine using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// DefaultReferer is sent when a request does not carry its own.
const DefaultReferer = "https://www.google.com/"

// Config controls collector behavior.
type Config struct {
	FetchTimeout   time.Duration
	ConnectTimeout time.Duration
	RespectRobots  bool
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	MaxBodySize    int
}

// Engine implements harvest.Engine using the Colly collector. Retries and
// spacing are left to the politeness controller.
type Engine struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Engine. The base collector and its transport are configured
// once and shared by every clone.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	proxy, err := proxyFunc(cfg)
	if err != nil {
		return nil, err
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	transport := newRobotsFallbackTransport(newHTTPTransport(cfg.ConnectTimeout, proxy), func(host string) {
		logger.Warn("robots.txt unreachable, assuming allow-all", zap.String("host", host))
	})
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.FetchTimeout)

	return &Engine{cfg: cfg, baseCollector: c, logger: logger}, nil
}

// Do executes a single HTTP GET.
func (e *Engine) Do(ctx context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error) {
	var (
		result   harvest.FetchResponse
		fetchErr error
		status   int
	)
	start := time.Now()
	collector := e.baseCollector.Clone()
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	e.configureCollectorHooks(collector, request, start, &result, &fetchErr, &status)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return harvest.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return harvest.FetchResponse{}, toFetchError(request.URL, status, err)
		}
		return result, nil
	}
}

func (e *Engine) configureCollectorHooks(
	hooks collectorHooks,
	request harvest.FetchRequest,
	start time.Time,
	result *harvest.FetchResponse,
	fetchErr *error,
	status *int,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil {
			*status = r.StatusCode
		}
	})
}

func copyHeaders(request harvest.FetchRequest, r *colly.Request) {
	referer := request.Referer
	if referer == "" {
		referer = DefaultReferer
	}
	r.Headers.Set("Referer", referer)
	r.Headers.Set("DNT", "1")
	r.Headers.Set("Connection", "keep-alive")
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func toFetchError(rawURL string, status int, err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return &harvest.FetchError{Kind: harvest.FetchDisallowed, URL: rawURL, Err: err}
	case status != 0:
		return &harvest.FetchError{Kind: harvest.FetchHTTPStatus, URL: rawURL, StatusCode: status, Err: err}
	default:
		return fmt.Errorf("colly visit %s: %w", rawURL, err)
	}
}

func proxyFunc(cfg Config) (func(*http.Request) (*url.URL, error), error) {
	raw := strings.TrimSpace(cfg.ProxyURL)
	if raw == "" {
		return http.ProxyFromEnvironment, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q", raw)
	}
	if cfg.ProxyUsername != "" {
		u.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
	}
	return http.ProxyURL(u), nil
}

func newHTTPTransport(connectTimeout time.Duration, proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       90 * time.Second,
	}
}
