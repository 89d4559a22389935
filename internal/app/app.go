// Package app wires configuration into a runnable harvest: the dedup store,
// fetch engines behind the politeness controller, sources, the stage
// pipeline and the stores and clients stages write to.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/newsharvest/internal/api"
	"github.com/JakeFAU/newsharvest/internal/checkpoint"
	"github.com/JakeFAU/newsharvest/internal/clock/system"
	"github.com/JakeFAU/newsharvest/internal/config"
	"github.com/JakeFAU/newsharvest/internal/coordinator"
	dedupmemory "github.com/JakeFAU/newsharvest/internal/dedup/memory"
	dedupostgres "github.com/JakeFAU/newsharvest/internal/dedup/postgres"
	"github.com/JakeFAU/newsharvest/internal/dedup/sqlite"
	collyfetcher "github.com/JakeFAU/newsharvest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/newsharvest/internal/fetcher/headless"
	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/hash/sha256"
	"github.com/JakeFAU/newsharvest/internal/headless/detector"
	"github.com/JakeFAU/newsharvest/internal/id/uuid"
	"github.com/JakeFAU/newsharvest/internal/lifecycle"
	"github.com/JakeFAU/newsharvest/internal/llm"
	"github.com/JakeFAU/newsharvest/internal/llm/gemini"
	"github.com/JakeFAU/newsharvest/internal/llm/ollama"
	"github.com/JakeFAU/newsharvest/internal/llm/openai"
	"github.com/JakeFAU/newsharvest/internal/outcome"
	"github.com/JakeFAU/newsharvest/internal/pipeline"
	"github.com/JakeFAU/newsharvest/internal/politeness"
	pubmemory "github.com/JakeFAU/newsharvest/internal/publisher/memory"
	"github.com/JakeFAU/newsharvest/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/newsharvest/internal/queue/memory"
	"github.com/JakeFAU/newsharvest/internal/retriever"
	"github.com/JakeFAU/newsharvest/internal/stages"
	"github.com/JakeFAU/newsharvest/internal/storage/gcs"
	"github.com/JakeFAU/newsharvest/internal/storage/local"
	"github.com/JakeFAU/newsharvest/internal/storage/memory"
	"github.com/JakeFAU/newsharvest/internal/storage/postgres"
	"github.com/JakeFAU/newsharvest/internal/supervisor"
	"github.com/JakeFAU/newsharvest/internal/telemetry"
)

// ServiceName identifies the process in traces.
const ServiceName = "newsharvest"

// Options tune how an App is assembled. Zero values pick production
// implementations.
type Options struct {
	// DryRun keeps dedup records, artifacts and notifications in memory and
	// disables checkpoints and the run summary file.
	DryRun bool
	Logger *zap.Logger
	Clock  harvest.Clock
	IDs    harvest.IDGenerator
	// HTTPClient is handed to stages that post to plain HTTP services.
	HTTPClient *http.Client
	// Tracer overrides the tracer installed by telemetry.
	Tracer trace.Tracer
}

// App holds every long-lived component of one run.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger
	clock  harvest.Clock

	lock       *lifecycle.Lock
	dedup      harvest.DedupStore
	supervisor *supervisor.Supervisor
	pipeline   *pipeline.Pipeline
	collector  *outcome.Collector
	stageInfo  []api.StageInfo

	// state holds checkpoints and run summaries; nil on dry runs.
	state       *local.BlobStore
	checkpoints *checkpoint.Store

	closers []func() error
}

// New acquires the run lock and builds every component named by cfg. On
// error anything already opened is closed again.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.RequireSources(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: cfg.Network.FetchTimeout}
	}

	a := &App{cfg: cfg, opts: opts, logger: opts.Logger, clock: opts.Clock}

	lock, err := lifecycle.Acquire(cfg.LockFile)
	if err != nil {
		return nil, err
	}
	a.lock = lock

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	if a.opts.Tracer == nil {
		tp, err := telemetry.InitTracerProvider(ctx, ServiceName)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.onClose(func() error { return tp.Shutdown(context.Background()) })
		a.opts.Tracer = telemetry.Tracer()
	}

	store, err := a.openDedup(ctx)
	if err != nil {
		return err
	}
	a.dedup = store
	a.onClose(store.Close)

	fetcher, headless, err := a.buildFetchers()
	if err != nil {
		return err
	}

	runID, err := a.opts.IDs.NewID()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	a.collector = outcome.NewCollector(runID, a.clock)
	a.supervisor = supervisor.New(a.logger.Named("supervisor"))

	if !a.opts.DryRun {
		blobs, err := local.New(local.Config{BaseDir: a.cfg.DataDir})
		if err != nil {
			return fmt.Errorf("state storage: %w", err)
		}
		a.state = blobs
		a.checkpoints = checkpoint.New(blobs, a.cfg.Pipeline.KeepCheckpoints, a.logger.Named("checkpoint"))
		// Items a previous run left mid-pipeline are replayed as a source.
		// The list is fixed here, before this run writes any snapshot.
		pending, err := a.checkpoints.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			a.logger.Info("resuming interrupted items", zap.Int("count", len(pending)))
		}
		if err := a.supervisor.Register(checkpoint.NewResumeSource(pending)); err != nil {
			return err
		}
	}

	srcDeps := retriever.Deps{
		Store:    store,
		Fetcher:  fetcher,
		Headless: headless,
		Detector: detector.NewHeuristic(a.cfg.Headless.PromotionThreshold),
		Clock:    a.clock,
		Logger:   a.logger.Named("source"),
	}
	for _, d := range a.cfg.Sources() {
		src, err := retriever.Build(d, srcDeps)
		if err != nil {
			return err
		}
		if err := a.supervisor.Register(src); err != nil {
			return err
		}
	}

	stageDeps, err := a.stageDeps(ctx)
	if err != nil {
		return err
	}
	var entries []pipeline.Entry
	for _, d := range a.cfg.Stages {
		a.stageInfo = append(a.stageInfo, api.StageInfo{
			Name:     d.Name,
			Plugin:   d.Plugin,
			Kind:     string(d.Kind),
			Priority: d.Priority,
			Enabled:  d.Enabled,
			Fatal:    d.Fatal,
		})
		if d.Kind != harvest.KindDataProcessor || !d.Enabled {
			continue
		}
		stage, err := stages.Build(d, stageDeps)
		if err != nil {
			return err
		}
		entries = append(entries, pipeline.Entry{Descriptor: d, Stage: stage})
	}

	popts := []pipeline.Option{
		pipeline.WithClock(a.clock),
		pipeline.WithLogger(a.logger.Named("pipeline")),
		pipeline.WithTracer(a.opts.Tracer),
	}
	if a.checkpoints != nil {
		popts = append(popts, pipeline.WithCheckpoints(a.checkpoints))
	}
	a.pipeline = pipeline.New(entries, popts...)

	a.logger.Info("run assembled",
		zap.String("run_id", runID),
		zap.Strings("sources", a.supervisor.Sources()),
		zap.Strings("stages", a.pipeline.Stages()),
		zap.Bool("dry_run", a.opts.DryRun),
	)
	return nil
}

func (a *App) openDedup(ctx context.Context) (harvest.DedupStore, error) {
	if a.opts.DryRun {
		return dedupmemory.New(), nil
	}
	return OpenDedup(ctx, a.cfg)
}

// OpenDedup opens the configured dedup backend.
func OpenDedup(ctx context.Context, cfg config.Config) (harvest.DedupStore, error) {
	switch cfg.Dedup.Backend {
	case config.BackendMemory:
		return dedupmemory.New(), nil
	case config.BackendPostgres:
		store, err := dedupostgres.Open(ctx, dedupostgres.Config{DSN: cfg.Dedup.DSN, Table: cfg.Dedup.Table})
		if err != nil {
			return nil, fmt.Errorf("open postgres dedup store: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.Open(cfg.Dedup.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite dedup store: %w", err)
		}
		return store, nil
	}
}

// buildFetchers puts the static engine, and the browser when enabled, behind
// their own politeness controllers. headless is nil when disabled.
func (a *App) buildFetchers() (harvest.Fetcher, harvest.Fetcher, error) {
	nc := a.cfg.Network
	pcfg := politeness.Config{
		FixedWait:  nc.FixedWait,
		MinJitter:  nc.MinJitter,
		MaxJitter:  nc.MaxJitter,
		RetryCount: nc.RetryCount,
		UserAgents: nc.UserAgents,
	}

	engine, err := collyfetcher.New(collyfetcher.Config{
		FetchTimeout:   nc.FetchTimeout,
		ConnectTimeout: nc.ConnectTimeout,
		RespectRobots:  nc.RespectRobots,
		ProxyURL:       nc.Proxy.URL,
		ProxyUsername:  nc.Proxy.Username,
		ProxyPassword:  nc.Proxy.Password,
		MaxBodySize:    nc.MaxBodySize,
	}, a.logger.Named("colly"))
	if err != nil {
		return nil, nil, fmt.Errorf("init static engine: %w", err)
	}
	static, err := politeness.New(engine, pcfg, a.logger.Named("politeness"))
	if err != nil {
		return nil, nil, err
	}

	if !a.cfg.Headless.Enabled {
		return static, nil, nil
	}
	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		ProxyURL:          nc.Proxy.URL,
		ProxyUsername:     nc.Proxy.Username,
		ProxyPassword:     nc.Proxy.Password,
	}, a.logger.Named("chromedp"))
	if err != nil {
		return nil, nil, fmt.Errorf("init headless engine: %w", err)
	}
	a.onClose(func() error { browser.Close(); return nil })
	rendered, err := politeness.New(browser, pcfg, a.logger.Named("politeness.headless"))
	if err != nil {
		return nil, nil, err
	}
	return static, rendered, nil
}

func (a *App) stageDeps(ctx context.Context) (stages.Deps, error) {
	deps := stages.Deps{
		Services:     make(map[string]stages.Service, len(a.cfg.Services)),
		PublishTopic: a.cfg.PubSub.Topic,
		Hasher:       sha256.New(),
		HTTPClient:   a.opts.HTTPClient,
		Clock:        a.clock,
		Logger:       a.logger.Named("stage"),
	}

	budgets := make(map[string]coordinator.ServiceConfig, len(a.cfg.Services))
	for id, svc := range a.cfg.Services {
		budgets[id] = coordinator.ServiceConfig{Timeout: svc.Timeout, RequestsPerMinute: svc.RequestsPerMinute}
		gen, err := a.generator(ctx, id, svc)
		if err != nil {
			return stages.Deps{}, err
		}
		deps.Services[id] = stages.Service{Generator: gen, APIURL: svc.APIURL, MaxContextLen: svc.MaxContextLen}
	}
	deps.Coordinator = coordinator.New(budgets, a.logger.Named("coordinator"))

	if a.opts.DryRun {
		deps.Files = memory.NewBlobStore()
		deps.Publisher = pubmemory.New(a.logger.Named("publisher"))
		return deps, nil
	}

	files, err := local.New(local.Config{BaseDir: filepath.Join(a.cfg.DataDir, "artifacts")})
	if err != nil {
		return stages.Deps{}, fmt.Errorf("artifact storage: %w", err)
	}
	deps.Files = files

	if a.cfg.Storage.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return stages.Deps{}, fmt.Errorf("gcs client: %w", err)
		}
		a.onClose(client.Close)
		cloud, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return stages.Deps{}, err
		}
		deps.Cloud = cloud
	}

	if a.cfg.Database.DSN != "" {
		docs, err := postgres.NewDocumentStore(ctx, postgres.DocumentStoreConfig{
			DSN:   a.cfg.Database.DSN,
			Table: a.cfg.Database.Table,
		})
		if err != nil {
			return stages.Deps{}, fmt.Errorf("document store: %w", err)
		}
		a.onClose(func() error { docs.Close(); return nil })
		deps.Documents = docs
	}

	if a.cfg.PubSub.ProjectID != "" {
		pub, err := pubsub.New(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return stages.Deps{}, err
		}
		a.onClose(pub.Close)
		deps.Publisher = pub
	} else {
		deps.Publisher = pubmemory.New(a.logger.Named("publisher"))
	}
	return deps, nil
}

// generator returns the client for a model-backed service, or nil for a
// plain HTTP endpoint.
func (a *App) generator(ctx context.Context, id string, svc config.ServiceConfig) (harvest.Generator, error) {
	cfg := llm.Config{
		Service:      id,
		Model:        svc.ModelName,
		APIURL:       svc.APIURL,
		APIKey:       svc.APIKey(),
		MaxGenTokens: svc.MaxGenTokens,
		Temperature:  svc.Temperature,
		Timeout:      svc.Timeout,
	}
	switch svc.Provider {
	case config.ProviderOllama:
		return ollama.New(cfg), nil
	case config.ProviderOpenAI:
		gen, err := openai.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", id, err)
		}
		return gen, nil
	case config.ProviderGemini:
		gen, err := gemini.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", id, err)
		}
		a.onClose(gen.Close)
		return gen, nil
	default:
		return nil, nil
	}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Snapshot reports what the run has recorded so far.
func (a *App) Snapshot() harvest.RunOutcome {
	return a.collector.Snapshot()
}

// Stages describes the configured stage list for the admin server.
func (a *App) Stages() []api.StageInfo {
	return append([]api.StageInfo(nil), a.stageInfo...)
}

// Run retrieves from every source into the document channel while the
// pipeline drains it. Cancelling ctx stops new fetches; items already in the
// channel are still processed.
func (a *App) Run(ctx context.Context) (harvest.RunOutcome, error) {
	q := queuememory.NewQueue(a.cfg.Pipeline.QueueDepth)

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		adminCtx, stopAdmin := context.WithCancel(ctx)
		defer stopAdmin()
		srv := api.NewServer(a, api.Options{
			APIKey: a.cfg.Metrics.APIKey,
			Stages: a.Stages(),
			Logger: a.logger.Named("api"),
		})
		go func() {
			if err := srv.Serve(adminCtx, addr); err != nil {
				a.logger.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	emit := harvest.EmitFunc(q.Enqueue)
	if a.checkpoints != nil {
		// The dedup record is already durable; the snapshot keeps the item
		// recoverable until its first stage checkpoint replaces it.
		emit = a.checkpoints.Emitter(q.Enqueue)
	}

	var reports []harvest.SourceReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer q.Close()
		reports = a.supervisor.Run(gctx, emit)
		return nil
	})
	g.Go(func() error {
		// Emitted items are processed to completion even after a shutdown
		// signal; the queue closing ends the loop.
		return a.pipeline.Run(context.WithoutCancel(gctx), q, a.collector)
	})
	runErr := g.Wait()

	result := a.collector.Finish(reports)
	a.logger.Info("run finished",
		zap.String("run_id", result.RunID),
		zap.Int("complete", result.Count(harvest.StatusComplete)),
		zap.Int("partial", result.Count(harvest.StatusPartial)),
		zap.Int("skipped", result.Skipped()),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)
	if a.state != nil {
		if err := a.writeSummary(ctx, result); err != nil {
			a.logger.Warn("run summary not written", zap.Error(err))
		}
	}
	if runErr != nil {
		return result, fmt.Errorf("run: %w", runErr)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// SummaryPath is where the summary for a run started at t is written.
func SummaryPath(cfg config.Config, started time.Time) string {
	return filepath.Join(cfg.RunsDir(), started.UTC().Format("20060102T150405.000Z")+".json")
}

func (a *App) writeSummary(ctx context.Context, result harvest.RunOutcome) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	rel, err := filepath.Rel(a.cfg.DataDir, SummaryPath(a.cfg, result.StartedAt))
	if err != nil {
		return fmt.Errorf("summary path: %w", err)
	}
	uri, err := a.state.PutObject(context.WithoutCancel(ctx), filepath.ToSlash(rel), "application/json", data)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	a.logger.Info("run summary written", zap.String("uri", uri))
	return nil
}

// Close releases every opened resource, newest first, and the run lock last.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
}
