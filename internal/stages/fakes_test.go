package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/newsharvest/internal/coordinator"
	"github.com/JakeFAU/newsharvest/internal/harvest"
)

var errBoom = errors.New("boom")

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.reply == nil {
		return "ok", nil
	}
	return g.reply(prompt)
}

func (g *fakeGenerator) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

type fakeWriter struct {
	items []harvest.Item
	err   error
}

func (w *fakeWriter) StoreItem(_ context.Context, item harvest.Item) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	w.items = append(w.items, item)
	return "postgres://documents/" + item.ID, nil
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errBoom
}

// serviceDeps wires one language-model service named "llm" behind a real
// coordinator.
func serviceDeps(t *testing.T, gen harvest.Generator, maxContext int) Deps {
	t.Helper()
	return Deps{
		Coordinator: coordinator.New(map[string]coordinator.ServiceConfig{
			"llm": {Timeout: 5 * time.Second},
		}, nil),
		Services: map[string]Service{
			"llm": {Generator: gen, MaxContextLen: maxContext},
		},
	}.withDefaults()
}

func testItem() harvest.Item {
	published := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return harvest.Item{
		ID:          "0123456789abcdef0123456789abcdef",
		Key:         "https://news.example.com/world/story-one",
		URL:         "https://news.example.com/world/story-one",
		Source:      "example_news",
		Provenance:  harvest.Provenance{Plugin: "web", Section: "world"},
		RetrievedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ContentType: "text/html",
		Title:       "Story One",
		Text:        "Central banks held rates steady.\n\nMarkets rallied on the news.",
		Metadata:    harvest.Metadata{PublishedAt: &published},
		Status:      harvest.StatusPending,
	}
}

func words(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = "w"
	}
	return strings.Join(out, " ")
}
