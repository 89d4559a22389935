package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// PersistPlugin is the registry name of the persistence stage.
const PersistPlugin = "mod_persist_data"

// Persist destinations and file formats.
const (
	DestinationFile     = "file"
	DestinationGCS      = "gcs"
	DestinationDatabase = "database"

	FormatJSON = "json"
	FormatYAML = "yaml"
)

// PersistConfig configures the persistence stage. Folder is relative to the
// data directory or bucket prefix.
type PersistConfig struct {
	Destination string `mapstructure:"destination" validate:"oneof=file gcs database"`
	FileFormat  string `mapstructure:"file_format" validate:"oneof=json yaml"`
	Folder      string `mapstructure:"folder"`
}

// DefaultPersistConfig returns the persistence defaults.
func DefaultPersistConfig() *PersistConfig {
	return &PersistConfig{Destination: DestinationFile, FileFormat: FormatJSON, Folder: "documents"}
}

// Persist durably stores the item and records where it went.
type Persist struct {
	named
	cfg    PersistConfig
	blobs  harvest.BlobStore
	db     DocumentWriter
	logger *zap.Logger
}

// NewPersist validates cfg against the available backends.
func NewPersist(name string, cfg PersistConfig, deps Deps) (*Persist, error) {
	field := "stages." + name
	p := &Persist{named: named{name}, cfg: cfg, logger: deps.Logger}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.cfg.FileFormat == "" {
		p.cfg.FileFormat = FormatJSON
	}
	if p.cfg.FileFormat != FormatJSON && p.cfg.FileFormat != FormatYAML {
		return nil, harvest.NewConfigError(field+".file_format", "unknown format %q", p.cfg.FileFormat)
	}
	switch cfg.Destination {
	case DestinationFile, "":
		p.cfg.Destination = DestinationFile
		p.blobs = deps.Files
	case DestinationGCS:
		p.blobs = deps.Cloud
	case DestinationDatabase:
		if deps.Documents == nil {
			return nil, harvest.NewConfigError(field+".destination", "database destination needs a documents store")
		}
		p.db = deps.Documents
		return p, nil
	default:
		return nil, harvest.NewConfigError(field+".destination", "unknown destination %q", cfg.Destination)
	}
	if p.blobs == nil {
		return nil, harvest.NewConfigError(field+".destination", "%s destination is not configured", p.cfg.Destination)
	}
	return p, nil
}

func buildPersist(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[PersistConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewPersist(name, *typed, deps)
}

// Process implements harvest.Stage.
func (p *Persist) Process(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	if p.db != nil {
		uri, err := p.db.StoreItem(ctx, item)
		if err != nil {
			return item, harvest.Transient(p.name, err)
		}
		item.ArtifactURI = uri
		return item, nil
	}

	snapshot := item
	snapshot.Status = harvest.StatusComplete
	if snapshot.RawRef != "" {
		snapshot.Raw = nil
	}
	data, contentType, err := encodeItem(snapshot, p.cfg.FileFormat)
	if err != nil {
		return item, harvest.Transient(p.name, err)
	}
	objectPath := path.Join(p.cfg.Folder, UniqueFilename(item, p.cfg.FileFormat))
	uri, err := p.blobs.PutObject(ctx, objectPath, contentType, data)
	if err != nil {
		return item, harvest.Transient(p.name, fmt.Errorf("write %s: %w", objectPath, err))
	}
	p.logger.Debug("item persisted", zap.String("item_id", item.ID), zap.String("uri", uri))
	item.ArtifactURI = uri
	return item, nil
}

func encodeItem(item harvest.Item, format string) ([]byte, string, error) {
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(item)
		if err != nil {
			return nil, "", fmt.Errorf("encode yaml: %w", err)
		}
		return data, "application/yaml", nil
	default:
		data, err := json.MarshalIndent(item, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode json: %w", err)
		}
		return data, "application/json", nil
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// UniqueFilename names an artifact "<source>_<segment>_<id8>.<ext>" after
// its source, the last segment of its URL and the start of the item id. A
// bare path uses "index" as the segment; an item without a URL is named
// "<source>_<id>.<ext>".
func UniqueFilename(item harvest.Item, ext string) string {
	source := sanitizeSegment(item.Source)
	if source == "" {
		source = "item"
	}
	if item.URL == "" {
		return fmt.Sprintf("%s_%s.%s", source, item.ID, ext)
	}
	segment := item.URL
	if u, err := url.Parse(item.URL); err == nil {
		segment = u.Path
	}
	segment = strings.TrimSuffix(segment, "/")
	if i := strings.LastIndex(segment, "/"); i >= 0 {
		segment = segment[i+1:]
	}
	segment = sanitizeSegment(strings.TrimSuffix(segment, path.Ext(segment)))
	if len(segment) <= 1 {
		return fmt.Sprintf("%s_index_%s.%s", source, shortID(item.ID), ext)
	}
	return fmt.Sprintf("%s_%s_%s.%s", source, segment, shortID(item.ID), ext)
}

func sanitizeSegment(s string) string {
	s = unsafeName.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
