package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsharvest/internal/dedup/sqlite"
	"github.com/JakeFAU/newsharvest/internal/harvest"
	queuememory "github.com/JakeFAU/newsharvest/internal/queue/memory"
	"github.com/JakeFAU/newsharvest/internal/retriever"
	"github.com/JakeFAU/newsharvest/internal/storage/local"
)

func newStore(t *testing.T, keep bool) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return New(blobs, keep, nil), dir
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t, false)
	item := harvest.Item{ID: "abc", Key: "k", Status: harvest.StatusPending, Parts: []harvest.Part{{ID: 1, Text: "x"}}}
	require.NoError(t, store.Save(context.Background(), item))
	require.FileExists(t, filepath.Join(dir, Dir, "abc.json"))

	got, err := store.Load(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, item.Parts, got.Parts)

	require.Error(t, store.Save(context.Background(), harvest.Item{}))
}

func TestFinishRemovesCompleted(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		keep     bool
		status   harvest.Status
		wantFile bool
	}{
		{"complete removed", false, harvest.StatusComplete, false},
		{"complete kept on request", true, harvest.StatusComplete, true},
		{"partial kept", false, harvest.StatusPartial, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, dir := newStore(t, tc.keep)
			item := harvest.Item{ID: "id1", Status: tc.status}
			require.NoError(t, store.Finish(context.Background(), item))
			_, err := os.Stat(filepath.Join(dir, Dir, "id1.json"))
			require.Equal(t, tc.wantFile, err == nil)
		})
	}
}

func TestResumeSourceReplaysPendingOnly(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t, true)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, harvest.Item{ID: "late", Status: harvest.StatusPending, RetrievedAt: base.Add(time.Hour)}))
	require.NoError(t, store.Save(ctx, harvest.Item{ID: "early", Status: harvest.StatusPending, RetrievedAt: base}))
	require.NoError(t, store.Finish(ctx, harvest.Item{ID: "done", Status: harvest.StatusComplete}))
	require.NoError(t, store.Finish(ctx, harvest.Item{ID: "broken", Status: harvest.StatusPartial}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, Dir, "junk.json"), []byte("{"), 0o600))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	src := NewResumeSource(pending)

	// written after the listing, so not part of this replay
	require.NoError(t, store.Save(ctx, harvest.Item{ID: "fresh", Status: harvest.StatusPending, RetrievedAt: base}))

	var got []string
	report, err := src.FetchBatch(ctx, func(_ context.Context, item harvest.Item) error {
		got = append(got, item.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"early", "late"}, got)
	require.Equal(t, 2, report.Emitted)
	require.Equal(t, ResumeSourceName, src.Name())
}

func TestPendingOnEmptyDir(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, false)
	items, err := store.Pending(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestEmittedItemSurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dedup.db")

	fetches := 0
	candidate := retriever.Candidate{
		Source: "news",
		Key:    "https://example.com/a",
		Fetch: func(context.Context) (harvest.FetchResponse, error) {
			fetches++
			return harvest.FetchResponse{URL: "https://example.com/a", StatusCode: 200, Body: []byte("body")}, nil
		},
		Build: func(resp harvest.FetchResponse) (harvest.Item, error) {
			item := retriever.NewItem("news", "web", "", "https://example.com/a", resp.URL, time.Now())
			item.Text = string(resp.Body)
			return item, nil
		},
	}

	// first process: the key is recorded and the item queued, but nothing
	// drains the queue before it stops
	dedup, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	q := queuememory.NewQueue(4)
	outcome, err := retriever.Deps{Store: dedup}.Acquire(ctx, candidate, New(blobs, false, nil).Emitter(q.Enqueue))
	require.NoError(t, err)
	require.Equal(t, retriever.Emitted, outcome)
	require.Equal(t, 1, q.Len())
	require.NoError(t, dedup.Close())

	// second process
	dedup, err = sqlite.Open(dbPath)
	require.NoError(t, err)
	defer dedup.Close()
	blobs, err = local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	pending, err := New(blobs, false, nil).Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "body", pending[0].Text)
	require.Equal(t, harvest.ItemID("https://example.com/a"), pending[0].ID)

	outcome, err = retriever.Deps{Store: dedup}.Acquire(ctx, candidate, q.Enqueue)
	require.NoError(t, err)
	require.Equal(t, retriever.Skipped, outcome)
	require.Equal(t, 1, fetches)
}
