package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserversLazilyInit(t *testing.T) {
	ObserveFetchAttempt("https://News.example.com/a", "ok", 512)
	ObserveStage("split_text", "succeeded", 10*time.Millisecond)
	ObserveSourceItem("web", "emitted")
	ObserveItem("complete")

	if val := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("news.example.com", "ok")); val < 1 {
		t.Errorf("expected fetch attempt to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("news.example.com")); val < 512 {
		t.Errorf("expected bytes to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(stageOutcomesTotal.WithLabelValues("split_text", "succeeded")); val < 1 {
		t.Errorf("expected stage outcome to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(sourceItemsTotal.WithLabelValues("web", "emitted")); val < 1 {
		t.Errorf("expected source item to be counted, got %f", val)
	}
}

func TestActiveSourcesGauge(t *testing.T) {
	IncActiveSources()
	start := testutil.ToFloat64(activeSources)
	DecActiveSources()
	if got := testutil.ToFloat64(activeSources); got != start-1 {
		t.Errorf("expected gauge to drop by one, got %f from %f", got, start)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://news.example.org", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
