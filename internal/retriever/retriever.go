// Package retriever holds the concrete sources and the shared acquisition
// flow every source follows: check the dedup store, fetch, build the item,
// record the key and emit.
package retriever

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/metrics"
)

// Detector decides whether a static page needs headless rendering.
type Detector interface {
	ShouldPromote(resp harvest.FetchResponse) bool
}

// Deps are the collaborators a source needs.
type Deps struct {
	Store harvest.DedupStore
	// Fetcher fetches statically through the politeness controller.
	Fetcher harvest.Fetcher
	// Headless renders pages in a browser; nil when disabled.
	Headless harvest.Fetcher
	Detector Detector
	Clock    harvest.Clock
	Logger   *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Outcome is what happened to one candidate.
type Outcome int

// Candidate outcomes.
const (
	Emitted Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Emitted:
		return "emitted"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Tally adds o to the report counters.
func Tally(report *harvest.SourceReport, o Outcome) {
	switch o {
	case Emitted:
		report.Emitted++
	case Skipped:
		report.Skipped++
	case Failed:
		report.Failed++
	}
}

// Candidate describes one item a source wants to acquire.
type Candidate struct {
	Source string
	Key    string
	Fetch  func(ctx context.Context) (harvest.FetchResponse, error)
	Build  func(resp harvest.FetchResponse) (harvest.Item, error)
}

// Acquire runs the acquisition flow for one candidate. A key already in the
// store is never fetched. A failed fetch is not recorded, so it is retried on
// the next run. The returned error is non-nil only when the source should
// stop: the context ended or the document channel refused the item.
func (d Deps) Acquire(ctx context.Context, c Candidate, emit harvest.EmitFunc) (Outcome, error) {
	d = d.withDefaults()
	logger := d.Logger.With(zap.String("source", c.Source), zap.String("key", c.Key))

	seen, err := d.Store.Exists(ctx, c.Key)
	if err != nil {
		if ctx.Err() != nil {
			return Failed, ctx.Err()
		}
		logger.Warn("dedup lookup failed, treating as unseen", zap.Error(err))
		seen = false
	}
	if seen {
		metrics.ObserveSourceItem(c.Source, Skipped.String())
		logger.Debug("already fetched in an earlier run")
		return Skipped, nil
	}

	resp, err := c.Fetch(ctx)
	if err != nil {
		metrics.ObserveSourceItem(c.Source, Failed.String())
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Failed, ctx.Err()
		}
		logger.Warn("fetch failed", zap.Error(err))
		return Failed, nil
	}

	item, err := c.Build(resp)
	if err != nil {
		metrics.ObserveSourceItem(c.Source, Failed.String())
		logger.Warn("could not build item", zap.Error(err))
		return Failed, nil
	}

	err = d.Store.Insert(ctx, harvest.DedupRecord{Key: c.Key, FirstSeen: d.Clock.Now(), Source: c.Source})
	switch {
	case errors.Is(err, harvest.ErrAlreadyRecorded):
		// another worker fetched the same key during this run and owns the item
		metrics.ObserveSourceItem(c.Source, Skipped.String())
		logger.Debug("key recorded concurrently by another source")
		return Skipped, nil
	case err != nil:
		logger.Error("dedup insert failed, emitting anyway", zap.Error(err))
	}

	if err := emit(ctx, item); err != nil {
		metrics.ObserveSourceItem(c.Source, Failed.String())
		return Failed, err
	}
	metrics.ObserveSourceItem(c.Source, Emitted.String())
	logger.Debug("item emitted", zap.String("item_id", item.ID))
	return Emitted, nil
}

// NewItem returns a pending item for key with identity fields filled in.
func NewItem(source, plugin, section, key, rawURL string, now time.Time) harvest.Item {
	return harvest.Item{
		ID:          harvest.ItemID(key),
		Key:         key,
		URL:         rawURL,
		Source:      source,
		Provenance:  harvest.Provenance{Plugin: plugin, Section: section},
		RetrievedAt: now.UTC(),
		Status:      harvest.StatusPending,
	}
}
