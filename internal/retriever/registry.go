package retriever

import (
	"fmt"
	"sort"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// Factory builds a configured source. cfg is the value returned by the
// plugin's NewConfig after decoding.
type Factory func(name string, cfg any, deps Deps) (harvest.Source, error)

// Plugin is a registered retriever implementation.
type Plugin struct {
	Description string
	// NewConfig returns a pointer to a config struct holding the defaults.
	NewConfig func() any
	Build     Factory
}

var plugins = map[string]Plugin{
	WebPlugin: {
		Description: "crawls listing pages to a bounded depth and extracts articles",
		NewConfig:   func() any { return DefaultWebConfig() },
		Build:       buildWeb,
	},
	FeedPlugin: {
		Description: "reads RSS or Atom feeds and fetches the linked articles",
		NewConfig:   func() any { return DefaultFeedConfig() },
		Build:       buildFeed,
	},
	OfflinePlugin: {
		Description: "loads JSON, text or markdown documents from a folder",
		NewConfig:   func() any { return DefaultOfflineConfig() },
		Build:       buildOffline,
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

// Build constructs the source described by d.
func Build(d harvest.StageDescriptor, deps Deps) (harvest.Source, error) {
	plugin := d.Plugin
	if plugin == "" {
		plugin = d.Name
	}
	p, ok := plugins[plugin]
	if !ok {
		return nil, harvest.NewConfigError("stages."+d.Name, "unknown retriever plugin %q", plugin)
	}
	cfg := d.Config
	if cfg == nil {
		cfg = p.NewConfig()
	}
	src, err := p.Build(d.Name, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("build source %s: %w", d.Name, err)
	}
	return src, nil
}

func configAs[T any](name string, cfg any) (*T, error) {
	typed, ok := cfg.(*T)
	if !ok || typed == nil {
		return nil, harvest.NewConfigError("stages."+name, "unexpected config type %T", cfg)
	}
	return typed, nil
}
