package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// OfflinePlugin is the registry name of the folder reader.
const OfflinePlugin = "offline_docs"

// OfflineConfig configures a folder reader.
type OfflineConfig struct {
	Folder   string   `mapstructure:"folder" validate:"required"`
	Patterns []string `mapstructure:"patterns" validate:"dive,required"`
	Section  string   `mapstructure:"section"`
	MaxItems int      `mapstructure:"max_items" validate:"gte=0"`
}

// DefaultOfflineConfig returns the folder reader defaults.
func DefaultOfflineConfig() *OfflineConfig {
	return &OfflineConfig{Patterns: []string{"*.json", "*.txt", "*.md"}}
}

// Offline loads documents from a local folder. Keys are content hashes, so
// an edited file is picked up again while an unchanged one is skipped.
type Offline struct {
	name string
	cfg  OfflineConfig
	deps Deps
}

// NewOffline validates cfg and builds the source.
func NewOffline(name string, cfg OfflineConfig, deps Deps) (*Offline, error) {
	if cfg.Folder == "" {
		return nil, harvest.NewConfigError("stages."+name+".folder", "folder is required")
	}
	if deps.Store == nil {
		return nil, harvest.NewConfigError("stages."+name, "dedup store is required")
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultOfflineConfig().Patterns
	}
	for _, p := range cfg.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, harvest.NewConfigError("stages."+name+".patterns", "bad pattern %q: %v", p, err)
		}
	}
	deps = deps.withDefaults()
	deps.Logger = deps.Logger.With(zap.String("source", name))
	return &Offline{name: name, cfg: cfg, deps: deps}, nil
}

func buildOffline(name string, cfg any, deps Deps) (harvest.Source, error) {
	typed, err := configAs[OfflineConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewOffline(name, *typed, deps)
}

// Name implements harvest.Source.
func (o *Offline) Name() string { return o.name }

// FetchBatch implements harvest.Source.
func (o *Offline) FetchBatch(ctx context.Context, emit harvest.EmitFunc) (harvest.SourceReport, error) {
	report := harvest.SourceReport{Name: o.name}
	files, err := o.listFiles()
	if err != nil {
		return report, err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if o.cfg.MaxItems > 0 && report.Emitted >= o.cfg.MaxItems {
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			o.deps.Logger.Warn("read failed", zap.String("path", path), zap.Error(err))
			report.Failed++
			continue
		}
		key := harvest.ContentKey(data)
		outcome, err := o.deps.Acquire(ctx, Candidate{
			Source: o.name,
			Key:    key,
			Fetch: func(context.Context) (harvest.FetchResponse, error) {
				return harvest.FetchResponse{URL: fileURI(path), Body: data}, nil
			},
			Build: func(resp harvest.FetchResponse) (harvest.Item, error) {
				return o.buildItem(key, path, resp.Body)
			},
		}, emit)
		Tally(&report, outcome)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (o *Offline) listFiles() ([]string, error) {
	entries, err := os.ReadDir(o.cfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("read folder %s: %w", o.cfg.Folder, err)
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		for _, pattern := range o.cfg.Patterns {
			if ok, _ := filepath.Match(pattern, name); ok {
				out = append(out, filepath.Join(o.cfg.Folder, name))
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (o *Offline) buildItem(key, path string, data []byte) (harvest.Item, error) {
	item := NewItem(o.name, OfflinePlugin, o.cfg.Section, key, "", o.deps.Clock.Now())
	item.RawRef = fileURI(path)

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var snap harvest.Item
		if err := json.Unmarshal(data, &snap); err != nil {
			return harvest.Item{}, fmt.Errorf("decode %s: %w", path, err)
		}
		item.URL = snap.URL
		item.Title = snap.Title
		item.Text = snap.Text
		item.Parts = snap.Parts
		item.Metadata = snap.Metadata
		item.ContentType = "application/json"
		return item, nil
	}

	text := string(data)
	item.Title = firstLine(text)
	item.Text = strings.TrimSpace(text)
	item.ContentType = "text/plain"
	if strings.EqualFold(filepath.Ext(path), ".md") {
		item.ContentType = "text/markdown"
	}
	return item, nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			return line
		}
	}
	return ""
}

func fileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
