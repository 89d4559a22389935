package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEngineFetchSendsIdentityHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>hello</body></html>")
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Config{FetchTimeout: 5 * time.Second})
	resp, err := e.Do(context.Background(), harvest.FetchRequest{
		URL:       srv.URL + "/story",
		UserAgent: "agent-007",
		Referer:   "https://news.example/",
		Headers:   http.Header{"X-Trace": {"yes"}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "<html><body>hello</body></html>" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.Get("User-Agent") != "agent-007" {
		t.Fatalf("expected user agent, got %q", got.Get("User-Agent"))
	}
	if got.Get("Referer") != "https://news.example/" || got.Get("DNT") != "1" || got.Get("X-Trace") != "yes" {
		t.Fatalf("unexpected headers: %+v", got)
	}
}

func TestEngineDefaultReferer(t *testing.T) {
	t.Parallel()

	referer := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		referer <- r.Header.Get("Referer")
	}))
	t.Cleanup(srv.Close)

	e := newEngine(t, Config{})
	if _, err := e.Do(context.Background(), harvest.FetchRequest{URL: srv.URL}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if r := <-referer; r != DefaultReferer {
		t.Fatalf("expected default referer, got %q", r)
	}
}

func TestEngineClassifiesHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusNotFound, http.StatusBadGateway} {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			}))
			t.Cleanup(srv.Close)

			e := newEngine(t, Config{})
			_, err := e.Do(context.Background(), harvest.FetchRequest{URL: srv.URL})
			var fetchErr *harvest.FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected FetchError, got %v", err)
			}
			if fetchErr.Kind != harvest.FetchHTTPStatus || fetchErr.StatusCode != code {
				t.Fatalf("unexpected classification: %+v", fetchErr)
			}
			if fetchErr.Retryable() != (code >= 500) {
				t.Fatalf("unexpected retryable for %d", code)
			}
		})
	}
}

func TestEngineRespectsRobots(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private")
	})
	mux.HandleFunc("/private/doc", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "secret")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := newEngine(t, Config{RespectRobots: true})
	_, err := e.Do(context.Background(), harvest.FetchRequest{URL: srv.URL + "/private/doc"})
	var fetchErr *harvest.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Kind != harvest.FetchDisallowed {
		t.Fatalf("expected disallowed error, got %v", err)
	}
}

func TestEngineConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	e := newEngine(t, Config{ConnectTimeout: time.Second})
	_, err := e.Do(context.Background(), harvest.FetchRequest{URL: addr})
	if err == nil {
		t.Fatal("expected connection error")
	}
	var fetchErr *harvest.FetchError
	if errors.As(err, &fetchErr) {
		t.Fatalf("transport errors are left for the caller to classify, got %+v", fetchErr)
	}
}

func TestProxyFunc(t *testing.T) {
	t.Parallel()

	proxy, err := proxyFunc(Config{ProxyURL: "http://proxy.local:3128", ProxyUsername: "user", ProxyPassword: "pw"})
	if err != nil {
		t.Fatalf("proxyFunc: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	u, err := proxy(req)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	if u.Host != "proxy.local:3128" || u.User.Username() != "user" {
		t.Fatalf("unexpected proxy url: %v", u)
	}
	if pw, _ := u.User.Password(); pw != "pw" {
		t.Fatalf("expected proxy password, got %q", pw)
	}

	if _, err := proxyFunc(Config{ProxyURL: "::bad"}); err == nil {
		t.Fatal("expected invalid proxy error")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	e := newEngine(t, Config{})
	req := harvest.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}}
	var (
		result   harvest.FetchResponse
		fetchErr error
		status   int
	)

	hooks := &stubHooks{}
	e.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr, &status)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" || collyReq.Headers.Get("DNT") != "1" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusTeapot}, errors.New("boom"))
	if fetchErr == nil || status != http.StatusTeapot {
		t.Fatalf("expected error and status captured, got %v %d", fetchErr, status)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
