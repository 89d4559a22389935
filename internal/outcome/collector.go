// Package outcome aggregates per-item results into the run outcome.
package outcome

import (
	"sync"
	"time"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/metrics"
)

// Collector records finished items. It is safe for concurrent use.
type Collector struct {
	clock harvest.Clock

	mu      sync.Mutex
	outcome harvest.RunOutcome
	done    bool
}

// NewCollector starts a run outcome stamped with the clock's current time.
func NewCollector(runID string, clock harvest.Clock) *Collector {
	return &Collector{
		clock: clock,
		outcome: harvest.RunOutcome{
			RunID:     runID,
			StartedAt: clock.Now().UTC(),
			Items:     []harvest.ItemOutcome{},
			Sources:   []harvest.SourceReport{},
		},
	}
}

// Record adds the terminal state of item. receivedAt is when the pipeline
// took the item from the channel.
func (c *Collector) Record(item harvest.Item, receivedAt time.Time) {
	out := harvest.ItemOutcome{
		ID:          item.ID,
		Key:         item.Key,
		Source:      item.Source,
		Status:      item.Status,
		Stages:      append([]harvest.StageOutcome(nil), item.Stages...),
		ArtifactURI: item.ArtifactURI,
		ReceivedAt:  receivedAt.UTC(),
		CompletedAt: c.clock.Now().UTC(),
	}
	c.mu.Lock()
	c.outcome.Items = append(c.outcome.Items, out)
	c.mu.Unlock()
	metrics.ObserveItem(string(item.Status))
}

// Snapshot returns a copy of what has been recorded so far.
func (c *Collector) Snapshot() harvest.RunOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

// Finish attaches the source reports and closes the run. Later calls return
// the same outcome without changing it.
func (c *Collector) Finish(reports []harvest.SourceReport) harvest.RunOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.outcome.Sources = append(c.outcome.Sources, reports...)
		c.outcome.FinishedAt = c.clock.Now().UTC()
		c.done = true
	}
	return c.copyLocked()
}

func (c *Collector) copyLocked() harvest.RunOutcome {
	out := c.outcome
	out.Items = append([]harvest.ItemOutcome(nil), c.outcome.Items...)
	out.Sources = append([]harvest.SourceReport(nil), c.outcome.Sources...)
	return out
}
