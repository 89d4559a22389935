package retriever

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// pageFetcher serves canned bodies and counts fetches per URL.
type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fail  map[string]error
	calls map[string]int
}

func newPageFetcher(pages map[string]string) *pageFetcher {
	return &pageFetcher{pages: pages, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *pageFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if err, ok := f.fail[req.URL]; ok {
		return harvest.FetchResponse{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return harvest.FetchResponse{}, &harvest.FetchError{Kind: harvest.FetchHTTPStatus, URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return harvest.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}, nil
}

func (f *pageFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *pageFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// collector gathers emitted items.
type collector struct {
	mu    sync.Mutex
	items []harvest.Item
	err   error
}

func (c *collector) emit(_ context.Context, item harvest.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.items = append(c.items, item)
	return nil
}

func (c *collector) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it.URL)
	}
	return out
}

// flakyStore wraps a dedup store with injectable failures.
type flakyStore struct {
	harvest.DedupStore
	existsErr  error
	insertErr  error
	forceNotIn bool
}

func (s *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	if s.forceNotIn {
		return false, nil
	}
	return s.DedupStore.Exists(ctx, key)
}

func (s *flakyStore) Insert(ctx context.Context, rec harvest.DedupRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.DedupStore.Insert(ctx, rec)
}

type fixedDetector bool

func (d fixedDetector) ShouldPromote(harvest.FetchResponse) bool { return bool(d) }

var errBoom = errors.New("boom")
