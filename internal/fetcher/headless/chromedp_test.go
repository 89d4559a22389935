package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	engine, err := NewChromedp(Config{MaxParallel: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(engine.Close)
	if cap(engine.limiter) != 2 {
		t.Fatalf("expected limiter capacity 2, got %d", cap(engine.limiter))
	}
}

func TestEngineNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	engine := &Engine{}
	if got := engine.navTimeout(); got != 45*time.Second {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	engine.cfg.NavigationTimeout = time.Second
	if got := engine.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	if len(src["X-Test"]) != 2 {
		t.Fatalf("source header mutated: %+v", src)
	}

	netHeaders := toNetworkHeaders(src)
	switch v := netHeaders["X-Test"].(type) {
	case []string:
		if len(v) != 2 {
			t.Fatalf("expected two entries, got %v", v)
		}
	default:
		t.Fatalf("expected []string, got %T", v)
	}
}

func TestRequestHeaders(t *testing.T) {
	t.Parallel()

	h := requestHeaders(harvest.FetchRequest{Referer: "https://news.example/"})
	if h.Get("Referer") != "https://news.example/" || h.Get("DNT") != "1" {
		t.Fatalf("unexpected headers: %+v", h)
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.example/frame"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 204 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}

func TestProxyServerStripsCredentials(t *testing.T) {
	t.Parallel()

	if got := proxyServer("http://user:pw@proxy.local:3128"); got != "http://proxy.local:3128" {
		t.Fatalf("unexpected proxy server %q", got)
	}
	if got := proxyServer(""); got != "" {
		t.Fatalf("expected empty proxy, got %q", got)
	}
}

func TestClassifyChromeError(t *testing.T) {
	t.Parallel()

	var fetchErr *harvest.FetchError
	err := classifyChromeError("https://x", errors.New("page load error net::ERR_CONNECTION_REFUSED"))
	if !errors.As(err, &fetchErr) || fetchErr.Kind != harvest.FetchConnectionFailed {
		t.Fatalf("expected connection failure, got %v", err)
	}
	err = classifyChromeError("https://x", context.DeadlineExceeded)
	if !errors.As(err, &fetchErr) || fetchErr.Kind != harvest.FetchTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
