// Package supervisor runs one retrieval worker per registered source and
// isolates their failures from each other.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/metrics"
)

// ErrDuplicateSource is returned when two sources share a name.
var ErrDuplicateSource = errors.New("duplicate source name")

// Supervisor owns the set of sources for one run.
type Supervisor struct {
	mu      sync.Mutex
	sources []harvest.Source
	names   map[string]struct{}
	logger  *zap.Logger
}

// New returns an empty Supervisor.
func New(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{names: make(map[string]struct{}), logger: logger}
}

// Register adds a source. Names must be unique.
func (s *Supervisor) Register(src harvest.Source) error {
	if src == nil {
		return fmt.Errorf("source is nil")
	}
	name := src.Name()
	if name == "" {
		return fmt.Errorf("source name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
	}
	s.names[name] = struct{}{}
	s.sources = append(s.sources, src)
	return nil
}

// Sources returns the registered source names in registration order.
func (s *Supervisor) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sources))
	for i, src := range s.sources {
		out[i] = src.Name()
	}
	return out
}

// Run starts every source in its own goroutine and waits for all of them.
// A failing or panicking source never stops its siblings. Reports are
// returned in registration order.
func (s *Supervisor) Run(ctx context.Context, emit harvest.EmitFunc) []harvest.SourceReport {
	s.mu.Lock()
	sources := append([]harvest.Source(nil), s.sources...)
	s.mu.Unlock()

	reports := make([]harvest.SourceReport, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src harvest.Source) {
			defer wg.Done()
			reports[i] = s.runOne(ctx, src, emit)
		}(i, src)
	}
	wg.Wait()
	return reports
}

func (s *Supervisor) runOne(ctx context.Context, src harvest.Source, emit harvest.EmitFunc) (report harvest.SourceReport) {
	name := src.Name()
	logger := s.logger.With(zap.String("source", name))
	metrics.IncActiveSources()
	defer metrics.DecActiveSources()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("source panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			report.Name = name
			report.Err = fmt.Sprintf("panic: %v", r)
		}
	}()

	logger.Info("source started")
	report, err := src.FetchBatch(ctx, emit)
	report.Name = name
	if err != nil {
		report.Err = err.Error()
		if errors.Is(err, context.Canceled) {
			logger.Warn("source interrupted", zap.Error(err))
		} else {
			logger.Error("source failed", zap.Error(err))
		}
		return report
	}
	logger.Info("source finished",
		zap.Int("emitted", report.Emitted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report
}
