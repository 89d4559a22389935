// Package stages implements the processing stages an item passes through
// after retrieval, and the static registry the configuration resolves stage
// names against.
package stages

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// ServiceRunner serializes calls to a shared external service.
type ServiceRunner interface {
	Do(ctx context.Context, serviceID string, fn func(context.Context) error) error
}

// Service is what a stage knows about one configured external service.
type Service struct {
	// Generator is nil for services that are plain HTTP endpoints.
	Generator     harvest.Generator
	APIURL        string
	MaxContextLen int
}

// DocumentWriter stores whole items in a database.
type DocumentWriter interface {
	StoreItem(ctx context.Context, item harvest.Item) (string, error)
}

// Deps are the collaborators stages may need. Only the ones a configured
// stage uses have to be set.
type Deps struct {
	Coordinator  ServiceRunner
	Services     map[string]Service
	Files        harvest.BlobStore
	Cloud        harvest.BlobStore
	Documents    DocumentWriter
	Publisher    harvest.Publisher
	PublishTopic string
	Hasher       harvest.Hasher
	HTTPClient   *http.Client
	Clock        harvest.Clock
	Logger       *zap.Logger
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

func (d Deps) withDefaults() Deps {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.Clock == nil {
		d.Clock = utcClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

func (d Deps) service(stage, id string) (Service, error) {
	if d.Coordinator == nil {
		return Service{}, harvest.NewConfigError("stages."+stage, "no service coordinator available")
	}
	svc, ok := d.Services[id]
	if !ok {
		return Service{}, harvest.NewConfigError("stages."+stage+".service", "service %q is not configured", id)
	}
	return svc, nil
}

// Factory builds a configured stage.
type Factory func(name string, cfg any, deps Deps) (harvest.Stage, error)

// Plugin is a registered stage implementation.
type Plugin struct {
	Description string
	NewConfig   func() any
	Build       Factory
}

var plugins = map[string]Plugin{
	SplitPlugin: {
		Description: "splits text into overlapping parts by word count",
		NewConfig:   func() any { return DefaultSplitConfig() },
		Build:       buildSplit,
	},
	ClassifyPlugin: {
		Description: "tags items by keyword rules and an optional model classification",
		NewConfig:   func() any { return DefaultClassifyConfig() },
		Build:       buildClassify,
	},
	SummarizePlugin: {
		Description: "summarizes parts and the whole item with a language model",
		NewConfig:   func() any { return DefaultSummarizeConfig() },
		Build:       buildSummarize,
	},
	DedupePlugin: {
		Description: "stops items whose text duplicates an earlier item in the run",
		NewConfig:   func() any { return &DedupeConfig{} },
		Build:       buildDedupe,
	},
	VectorStorePlugin: {
		Description: "submits parts to a vector store endpoint",
		NewConfig:   func() any { return DefaultVectorStoreConfig() },
		Build:       buildVectorStore,
	},
	SolrPlugin: {
		Description: "indexes items in Solr",
		NewConfig:   func() any { return &SolrConfig{} },
		Build:       buildSolr,
	},
	PersistPlugin: {
		Description: "writes the item to a file, GCS or the documents table",
		NewConfig:   func() any { return DefaultPersistConfig() },
		Build:       buildPersist,
	},
	PublishPlugin: {
		Description: "announces persisted items on a Pub/Sub topic",
		NewConfig:   func() any { return &PublishConfig{} },
		Build:       buildPublish,
	},
	CmdlinePlugin: {
		Description: "pipes the item through an external command",
		NewConfig:   func() any { return DefaultCmdlineConfig() },
		Build:       buildCmdline,
	},
}

// Lookup returns the plugin registered under name.
func Lookup(name string) (Plugin, bool) {
	p, ok := plugins[name]
	return p, ok
}

// Names lists the registered plugin names.
func Names() []string {
	out := make([]string, 0, len(plugins))
	for name := range plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build constructs the stage described by d.
func Build(d harvest.StageDescriptor, deps Deps) (harvest.Stage, error) {
	plugin := d.Plugin
	if plugin == "" {
		plugin = d.Name
	}
	p, ok := plugins[plugin]
	if !ok {
		return nil, harvest.NewConfigError("stages."+d.Name, "unknown stage plugin %q", plugin)
	}
	cfg := d.Config
	if cfg == nil {
		cfg = p.NewConfig()
	}
	stage, err := p.Build(d.Name, cfg, deps.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("build stage %s: %w", d.Name, err)
	}
	return stage, nil
}

func configAs[T any](name string, cfg any) (*T, error) {
	typed, ok := cfg.(*T)
	if !ok || typed == nil {
		return nil, harvest.NewConfigError("stages."+name, "unexpected config type %T", cfg)
	}
	return typed, nil
}

// named carries the configured stage name.
type named struct{ name string }

func (n named) Name() string { return n.name }

// serviceFailure turns a service error into a non-fatal stage error.
func serviceFailure(stage string, err error) error {
	return harvest.Transient(stage, err)
}
