package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/newsharvest/internal/app"
	"github.com/JakeFAU/newsharvest/internal/checkpoint"
	"github.com/JakeFAU/newsharvest/internal/config"
	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/lifecycle"
	"github.com/JakeFAU/newsharvest/internal/storage/local"
)

const listing = `<html><body>
<a href="/news/alpha">Alpha</a>
<a href="/news/beta">Beta</a>
<a href="/about">About</a>
</body></html>`

func article(title, body string) string {
	return `<html lang="en"><head><title>` + title + `</title></head>
<body><article><p>` + body + `</p></article></body></html>`
}

func newsServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/":           listing,
		"/news/alpha": article("Alpha", "Rates held steady for a third quarter."),
		"/news/beta":  article("Beta", "Harvest volumes rose across the region."),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, dataDir, body string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dataDir+"\n"+body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func harvestConfig(t *testing.T, dataDir, siteURL string) config.Config {
	t.Helper()
	return loadConfig(t, dataDir, fmt.Sprintf(`
network:
  fixed_wait: 0s
  max_jitter: 0s
  retry_count: 0
  respect_robots: false
stages:
  - name: example_news
    plugin: web
    start_urls: [%q]
    include_pattern: "/news/"
  - name: mod_persist_data
    priority: 9
  - name: split_text
    priority: 1
    max_words: 50
`, siteURL))
}

func runOnce(t *testing.T, cfg config.Config, opts app.Options) harvest.RunOutcome {
	t.Helper()
	a, err := app.New(context.Background(), cfg, opts)
	require.NoError(t, err)
	defer a.Close()
	result, err := a.Run(context.Background())
	require.NoError(t, err)
	return result
}

func sourceReport(t *testing.T, result harvest.RunOutcome, name string) harvest.SourceReport {
	t.Helper()
	for _, r := range result.Sources {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no report for source %s in %+v", name, result.Sources)
	return harvest.SourceReport{}
}

func TestRunHarvestsAndPersists(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	dataDir := t.TempDir()
	cfg := harvestConfig(t, dataDir, srv.URL+"/")

	result := runOnce(t, cfg, app.Options{Logger: zaptest.NewLogger(t)})
	require.Len(t, result.Items, 2)
	require.Equal(t, 2, result.Count(harvest.StatusComplete))
	require.Equal(t, 2, sourceReport(t, result, "example_news").Emitted)

	for _, item := range result.Items {
		require.NotEmpty(t, item.ArtifactURI)
		require.Len(t, item.Stages, 2)
		// priority order, not declaration order
		assert.Equal(t, "split_text", item.Stages[0].Stage)
		assert.Equal(t, "mod_persist_data", item.Stages[1].Stage)
	}

	artifacts, err := filepath.Glob(filepath.Join(dataDir, "artifacts", "documents", "*.json"))
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	store, err := app.OpenDedup(context.Background(), cfg)
	require.NoError(t, err)
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Equal(t, 2, count)

	data, err := os.ReadFile(app.SummaryPath(cfg, result.StartedAt))
	require.NoError(t, err)
	var summary harvest.RunOutcome
	require.NoError(t, json.Unmarshal(data, &summary))
	require.Equal(t, result.RunID, summary.RunID)
	require.Len(t, summary.Items, 2)

	pending, err := filepath.Glob(filepath.Join(dataDir, "checkpoints", "*.json"))
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = os.Stat(cfg.LockFile)
	require.True(t, errors.Is(err, os.ErrNotExist), "lock file should be removed, got %v", err)
}

func TestTwoSourcesSplitAndPersist(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "note.md"), []byte("# Field note\n\nYields were uneven this season."), 0o600))
	dataDir := t.TempDir()
	cfg := loadConfig(t, dataDir, fmt.Sprintf(`
network:
  fixed_wait: 0s
  max_jitter: 0s
  respect_robots: false
stages:
  - name: example_news
    plugin: web
    priority: 1
    start_urls: [%q]
    max_depth: 0
  - name: field_notes
    plugin: offline_docs
    priority: 2
    folder: %s
  - name: split_text
    priority: 1
  - name: mod_persist_data
    priority: 9
`, srv.URL+"/news/alpha", docs))

	result := runOnce(t, cfg, app.Options{})
	require.Len(t, result.Items, 2)
	require.Equal(t, 2, result.Count(harvest.StatusComplete))
	require.Equal(t, 1, sourceReport(t, result, "example_news").Emitted)
	require.Equal(t, 1, sourceReport(t, result, "field_notes").Emitted)

	artifacts, err := filepath.Glob(filepath.Join(dataDir, "artifacts", "documents", "*.json"))
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	for _, path := range artifacts {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var item harvest.Item
		require.NoError(t, json.Unmarshal(data, &item))
		require.NotEmpty(t, item.Parts, "parts missing in %s", path)
	}

	store, err := app.OpenDedup(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestSecondRunSkipsKnownDocuments(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	cfg := harvestConfig(t, t.TempDir(), srv.URL+"/")

	first := runOnce(t, cfg, app.Options{})
	require.Len(t, first.Items, 2)

	second := runOnce(t, cfg, app.Options{})
	require.Empty(t, second.Items)
	report := sourceReport(t, second, "example_news")
	require.Zero(t, report.Emitted)
	require.Equal(t, 2, report.Skipped)
	require.NotEqual(t, first.RunID, second.RunID)
}

func TestRunResumesInterruptedItem(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	dataDir := t.TempDir()
	cfg := harvestConfig(t, dataDir, srv.URL+"/")

	// left behind by a run that stopped after split_text
	blobs, err := local.New(local.Config{BaseDir: dataDir})
	require.NoError(t, err)
	key := "https://example.com/news/archived"
	interrupted := harvest.Item{
		ID:     harvest.ItemID(key),
		Key:    key,
		URL:    key,
		Source: "example_news",
		Text:   "Archived report.",
		Parts:  []harvest.Part{{ID: 0, Text: "Archived report."}},
		Status: harvest.StatusPending,
		Stages: []harvest.StageOutcome{{Stage: "split_text", Status: harvest.StageSucceeded}},
	}
	require.NoError(t, checkpoint.New(blobs, false, nil).Save(context.Background(), interrupted))

	result := runOnce(t, cfg, app.Options{})
	require.Len(t, result.Items, 3)
	require.Equal(t, 3, result.Count(harvest.StatusComplete))
	// only the snapshot present at startup is replayed
	require.Equal(t, 1, sourceReport(t, result, checkpoint.ResumeSourceName).Emitted)
	require.Equal(t, 2, sourceReport(t, result, "example_news").Emitted)

	found := false
	for _, item := range result.Items {
		if item.ID != interrupted.ID {
			continue
		}
		found = true
		require.Len(t, item.Stages, 2)
		assert.Equal(t, "split_text", item.Stages[0].Stage)
		assert.Equal(t, "mod_persist_data", item.Stages[1].Stage)
	}
	require.True(t, found, "resumed item missing from %+v", result.Items)

	pending, err := filepath.Glob(filepath.Join(dataDir, "checkpoints", "*.json"))
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDryRunLeavesNoState(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	dataDir := t.TempDir()
	cfg := harvestConfig(t, dataDir, srv.URL+"/")

	result := runOnce(t, cfg, app.Options{DryRun: true})
	require.Equal(t, 2, result.Count(harvest.StatusComplete))

	for _, name := range []string{"dedup.db", "artifacts", "runs", "checkpoints"} {
		_, err := os.Stat(filepath.Join(dataDir, name))
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s should not exist", name)
	}

	// nothing was recorded, so a real run still finds both documents
	again := runOnce(t, cfg, app.Options{})
	require.Len(t, again.Items, 2)
}

func TestNewRefusesWhileLockHeld(t *testing.T) {
	t.Parallel()

	srv := newsServer(t)
	cfg := harvestConfig(t, t.TempDir(), srv.URL+"/")

	held, err := lifecycle.Acquire(cfg.LockFile)
	require.NoError(t, err)
	defer func() { require.NoError(t, held.Release()) }()

	_, err = app.New(context.Background(), cfg, app.Options{})
	var lockErr *harvest.LockHeldError
	require.ErrorAs(t, err, &lockErr)
	require.Equal(t, cfg.LockFile, lockErr.Path)
}

func TestNewRequiresSource(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, t.TempDir(), "stages:\n  - name: split_text\n")
	_, err := app.New(context.Background(), cfg, app.Options{})
	var cfgErr *harvest.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = os.Stat(cfg.LockFile)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNewReleasesLockOnBuildFailure(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, t.TempDir(), `
services:
  llm:
    provider: gemini
    model_name: gemini-1.5-flash
    api_key_env: NEWSHARVEST_APP_TEST_UNSET_KEY
stages:
  - name: offline_docs
    folder: /tmp
`)
	_, err := app.New(context.Background(), cfg, app.Options{})
	require.Error(t, err)

	_, statErr := os.Stat(cfg.LockFile)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestStagesListsEveryEntry(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, t.TempDir(), `
stages:
  - name: offline_docs
    folder: /tmp
  - name: split_text
    enabled: false
  - name: mod_dedupe
    priority: 2
`)
	a, err := app.New(context.Background(), cfg, app.Options{DryRun: true})
	require.NoError(t, err)
	defer a.Close()

	infos := a.Stages()
	require.Len(t, infos, 3)
	require.Equal(t, "retriever", infos[0].Kind)
	require.False(t, infos[1].Enabled)
	require.Equal(t, 2, infos[2].Priority)
	require.Empty(t, a.Snapshot().Items)
}
