package stages

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/hash/sha256"
)

// DedupePlugin is the registry name of the content deduplicator.
const DedupePlugin = "mod_dedupe"

// DedupeConfig configures content deduplication. Texts shorter than
// MinChars are not fingerprinted.
type DedupeConfig struct {
	MinChars int `mapstructure:"min_chars" validate:"gte=0"`
}

// Dedupe catches the same text arriving under different keys within a run,
// such as a story syndicated to two sites.
type Dedupe struct {
	named
	cfg    DedupeConfig
	hasher harvest.Hasher

	mu   sync.Mutex
	seen map[string]string // fingerprint -> first item id
}

// NewDedupe builds the stage.
func NewDedupe(name string, cfg DedupeConfig, hasher harvest.Hasher) *Dedupe {
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Dedupe{named: named{name}, cfg: cfg, hasher: hasher, seen: make(map[string]string)}
}

func buildDedupe(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[DedupeConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewDedupe(name, *typed, deps.Hasher), nil
}

// Process implements harvest.Stage. A duplicate fails fatally so nothing
// downstream indexes or stores it twice.
func (d *Dedupe) Process(_ context.Context, item harvest.Item) (harvest.Item, error) {
	norm := strings.ToLower(strings.Join(strings.Fields(item.Text), " "))
	if norm == "" || len(norm) < d.cfg.MinChars {
		return item, fmt.Errorf("%w: text too short to fingerprint", harvest.ErrSkip)
	}
	fp, err := d.hasher.Hash([]byte(norm))
	if err != nil {
		return item, harvest.Transient(d.name, fmt.Errorf("hash text: %w", err))
	}

	d.mu.Lock()
	first, dup := d.seen[fp]
	if !dup {
		d.seen[fp] = item.ID
	}
	d.mu.Unlock()

	if dup && first != item.ID {
		return item, harvest.Fatal(d.name, fmt.Errorf("duplicate of item %s", first))
	}
	return item, nil
}
