// Package coordinator serializes access to shared external services such as
// language-model endpoints. Each service has one exclusive slot, an optional
// request budget and a per-call timeout.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/metrics"
)

// DefaultTimeout bounds a service call when the service sets none.
const DefaultTimeout = 120 * time.Second

// ErrUnknownService is returned when a stage asks for a service that was not configured.
var ErrUnknownService = errors.New("unknown service")

// ServiceConfig holds the coordination settings of one service.
type ServiceConfig struct {
	Timeout           time.Duration
	RequestsPerMinute int
}

type service struct {
	id      string
	timeout time.Duration
	slot    chan struct{}
	limiter *rate.Limiter
}

// Coordinator owns the slots of every configured service for one run.
type Coordinator struct {
	services map[string]*service
	logger   *zap.Logger
}

// New builds a Coordinator for the given services.
func New(services map[string]ServiceConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{services: make(map[string]*service, len(services)), logger: logger}
	for id, cfg := range services {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		svc := &service{id: id, timeout: timeout, slot: make(chan struct{}, 1)}
		if cfg.RequestsPerMinute > 0 {
			svc.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
		}
		c.services[id] = svc
	}
	return c
}

// Services lists the configured service IDs in sorted order.
func (c *Coordinator) Services() []string {
	ids := make([]string, 0, len(c.services))
	for id := range c.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Acquire blocks until the service's slot is free or ctx is done.
func (c *Coordinator) Acquire(ctx context.Context, serviceID string) (*Guard, error) {
	svc, ok := c.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}
	start := time.Now()
	select {
	case svc.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for service %s: %w", serviceID, ctx.Err())
	}
	waited := time.Since(start)
	metrics.ObserveCoordinatorWait(serviceID, waited)
	if waited > time.Second {
		c.logger.Debug("service slot acquired after wait",
			zap.String("service", serviceID),
			zap.Duration("waited", waited),
		)
	}
	return &Guard{svc: svc}, nil
}

// Do acquires the service, runs fn under the service timeout and releases.
func (c *Coordinator) Do(ctx context.Context, serviceID string, fn func(context.Context) error) error {
	guard, err := c.Acquire(ctx, serviceID)
	if err != nil {
		return err
	}
	defer guard.Release()
	return guard.Call(ctx, fn)
}

// Guard is exclusive access to one service, held until Release.
type Guard struct {
	svc  *service
	once sync.Once
}

// Service returns the guarded service ID.
func (g *Guard) Service() string { return g.svc.id }

// Release frees the slot. Calling it more than once is harmless.
func (g *Guard) Release() {
	g.once.Do(func() {
		<-g.svc.slot
	})
}

// Call runs fn with the service timeout applied and classifies its failure
// as an ExternalServiceError.
func (g *Guard) Call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, g.svc.timeout)
	defer cancel()

	if g.svc.limiter != nil {
		if err := g.svc.limiter.Wait(callCtx); err != nil {
			metrics.ObserveServiceCall(g.svc.id, string(harvest.ServiceRateLimited))
			if ctx.Err() != nil {
				return fmt.Errorf("service %s: %w", g.svc.id, ctx.Err())
			}
			return &harvest.ExternalServiceError{Service: g.svc.id, Kind: harvest.ServiceRateLimited, Err: err}
		}
	}

	err := fn(callCtx)
	if err == nil {
		metrics.ObserveServiceCall(g.svc.id, "ok")
		return nil
	}
	if ctx.Err() != nil {
		metrics.ObserveServiceCall(g.svc.id, "canceled")
		return fmt.Errorf("service %s: %w", g.svc.id, errors.Join(ctx.Err(), err))
	}
	classified := classify(callCtx, g.svc.id, err)
	metrics.ObserveServiceCall(g.svc.id, string(classified.Kind))
	return classified
}

func classify(callCtx context.Context, serviceID string, err error) *harvest.ExternalServiceError {
	var svcErr *harvest.ExternalServiceError
	if errors.As(err, &svcErr) {
		out := *svcErr
		if out.Service == "" {
			out.Service = serviceID
		}
		return &out
	}
	kind := harvest.ServiceUnavailable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		kind = harvest.ServiceTimeout
	}
	return &harvest.ExternalServiceError{Service: serviceID, Kind: kind, Err: err}
}
