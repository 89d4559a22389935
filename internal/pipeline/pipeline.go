// Package pipeline drives items through the configured processing stages in
// ascending priority order, one item at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/metrics"
	"github.com/JakeFAU/newsharvest/internal/queue/memory"
	"github.com/JakeFAU/newsharvest/internal/telemetry"
)

// Entry pairs a stage with its descriptor.
type Entry struct {
	Descriptor harvest.StageDescriptor
	Stage      harvest.Stage
}

// Checkpointer persists item snapshots at stage boundaries.
type Checkpointer interface {
	Save(ctx context.Context, item harvest.Item) error
	Finish(ctx context.Context, item harvest.Item) error
}

// Recorder receives every finished item.
type Recorder interface {
	Record(item harvest.Item, receivedAt time.Time)
}

// Queue is the consuming side of the document channel.
type Queue interface {
	Dequeue(ctx context.Context) (harvest.Item, error)
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithCheckpoints snapshots every item after each stage.
func WithCheckpoints(c Checkpointer) Option {
	return func(p *Pipeline) { p.checkpoints = c }
}

// WithClock overrides the time source.
func WithClock(c harvest.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracer sets the tracer used for item and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// Pipeline is the single-consumer stage driver. The stage order is fixed at
// construction.
type Pipeline struct {
	entries     []Entry
	checkpoints Checkpointer
	clock       harvest.Clock
	logger      *zap.Logger
	tracer      trace.Tracer
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New drops disabled entries and stable-sorts the rest by priority, so ties
// keep their declaration order.
func New(entries []Entry, opts ...Option) *Pipeline {
	p := &Pipeline{
		clock:  utcClock{},
		logger: zap.NewNop(),
		tracer: telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, e := range entries {
		if e.Descriptor.Enabled && e.Stage != nil {
			p.entries = append(p.entries, e)
		}
	}
	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].Descriptor.Priority < p.entries[j].Descriptor.Priority
	})
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Descriptor.Name
	}
	return out
}

// Run drains q until it is closed, recording each finished item. It returns
// nil once the queue reports it is closed and empty.
func (p *Pipeline) Run(ctx context.Context, q Queue, rec Recorder) error {
	for {
		item, err := q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		received := p.clock.Now()
		done := p.Process(ctx, item)
		if rec != nil {
			rec.Record(done, received)
		}
	}
}

// Process runs every stage on item and returns its terminal state. Stages
// already recorded on the item, as on an item resumed from a checkpoint, are
// not run again.
func (p *Pipeline) Process(ctx context.Context, item harvest.Item) harvest.Item {
	ctx, span := p.tracer.Start(ctx, "pipeline.item", trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.String("item.source", item.Source),
	))
	defer span.End()

	logger := p.logger.With(zap.String("item_id", item.ID), zap.String("source", item.Source))
	ran := make(map[string]struct{}, len(item.Stages))
	for _, st := range item.Stages {
		ran[st.Stage] = struct{}{}
	}

	item.Status = harvest.StatusPending
	fatalStage := ""
	for i, e := range p.entries {
		name := e.Descriptor.Name
		if _, ok := ran[name]; ok {
			continue
		}

		next, outcome, fatal := p.runStage(ctx, e, item, logger)
		history := append(item.Stages, outcome)
		if outcome.Status == harvest.StageSucceeded {
			item = next
		}
		item.Stages = history
		item.Status = harvest.StatusPending
		if fatal {
			// The snapshot must already be terminal so a resume never runs
			// the stages after a fatal failure.
			fatalStage = name
			item.Stages = append(item.Stages, p.skipRemaining(p.entries[i+1:], ran, name)...)
			item.Status = harvest.StatusPartial
			p.save(ctx, item, logger)
			break
		}
		p.save(ctx, item, logger)
	}

	if fatalStage == "" {
		item.Status = harvest.StatusComplete
	} else {
		span.SetStatus(codes.Error, "fatal stage "+fatalStage)
	}
	if p.checkpoints != nil {
		if err := p.checkpoints.Finish(ctx, item); err != nil {
			logger.Warn("checkpoint finish failed", zap.Error(err))
		}
	}
	logger.Info("item finished", zap.String("status", string(item.Status)), zap.Int("stages", len(item.Stages)))
	return item
}

// skipRemaining records every entry not yet run as skipped after a fatal
// failure in fatalStage.
func (p *Pipeline) skipRemaining(entries []Entry, ran map[string]struct{}, fatalStage string) []harvest.StageOutcome {
	now := p.clock.Now()
	var out []harvest.StageOutcome
	for _, e := range entries {
		name := e.Descriptor.Name
		if _, ok := ran[name]; ok {
			continue
		}
		out = append(out, harvest.StageOutcome{
			Stage:      name,
			Status:     harvest.StageSkipped,
			Error:      fmt.Sprintf("skipped after fatal failure in %s", fatalStage),
			StartedAt:  now,
			FinishedAt: now,
		})
		metrics.ObserveStage(name, string(harvest.StageSkipped), 0)
	}
	return out
}

// runStage invokes one stage on a private copy of item. A panic is reported
// as a failure of that stage.
func (p *Pipeline) runStage(ctx context.Context, e Entry, item harvest.Item, logger *zap.Logger) (next harvest.Item, outcome harvest.StageOutcome, fatal bool) {
	name := e.Descriptor.Name
	ctx, span := p.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", name),
		attribute.String("item.id", item.ID),
	))
	defer span.End()

	started := p.clock.Now()
	outcome = harvest.StageOutcome{Stage: name, StartedAt: started}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		next, err = e.Stage.Process(ctx, item.Clone())
	}()
	outcome.FinishedAt = p.clock.Now()

	switch {
	case err == nil:
		outcome.Status = harvest.StageSucceeded
	case errors.Is(err, harvest.ErrSkip):
		outcome.Status = harvest.StageSkipped
		logger.Debug("stage skipped", zap.String("stage", name), zap.Error(err))
	default:
		outcome.Status = harvest.StageFailed
		outcome.Error = err.Error()
		var stageErr *harvest.StageError
		fatal = e.Descriptor.Fatal || (errors.As(err, &stageErr) && stageErr.Fatal)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("stage failed", zap.String("stage", name), zap.Bool("fatal", fatal), zap.Error(err))
	}
	metrics.ObserveStage(name, string(outcome.Status), outcome.FinishedAt.Sub(started))
	return next, outcome, fatal
}

func (p *Pipeline) save(ctx context.Context, item harvest.Item, logger *zap.Logger) {
	if p.checkpoints == nil {
		return
	}
	if err := p.checkpoints.Save(ctx, item); err != nil {
		logger.Warn("checkpoint save failed", zap.Error(err))
	}
}
