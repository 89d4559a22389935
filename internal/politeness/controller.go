// Package politeness enforces per-host request spacing, jitter, retries and
// client identity rotation on top of a single-attempt fetch engine.
package politeness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/metrics"
)

// DefaultUserAgent is used when no identities are configured.
const DefaultUserAgent = "newsharvest/1.0 (+https://github.com/JakeFAU/newsharvest)"

// Config controls the politeness schedule.
type Config struct {
	// FixedWait is applied before every request to a host.
	FixedWait time.Duration
	// MinJitter and MaxJitter bound the uniform random wait added to FixedWait.
	MinJitter time.Duration
	MaxJitter time.Duration
	// RetryCount is the number of additional attempts after the first.
	RetryCount int
	// UserAgents are rotated round-robin across successive attempts.
	UserAgents []string
}

// Controller implements harvest.Fetcher with politeness guarantees.
type Controller struct {
	engine harvest.Engine
	cfg    Config
	slots  *hostSlots
	pause  pauseController
	jitter func(lo, hi time.Duration) time.Duration
	agents []string
	next   atomic.Uint64
	logger *zap.Logger
}

// New builds a Controller around engine.
func New(engine harvest.Engine, cfg Config, logger *zap.Logger) (*Controller, error) {
	if engine == nil {
		return nil, fmt.Errorf("fetch engine is required")
	}
	if cfg.FixedWait < 0 || cfg.MinJitter < 0 || cfg.MaxJitter < 0 {
		return nil, fmt.Errorf("waits must be >= 0")
	}
	if cfg.MaxJitter < cfg.MinJitter {
		return nil, fmt.Errorf("max jitter %s is below min jitter %s", cfg.MaxJitter, cfg.MinJitter)
	}
	if cfg.RetryCount < 0 {
		return nil, fmt.Errorf("retry count must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	agents := make([]string, 0, len(cfg.UserAgents))
	for _, ua := range cfg.UserAgents {
		if ua = strings.TrimSpace(ua); ua != "" {
			agents = append(agents, ua)
		}
	}
	if len(agents) == 0 {
		agents = []string{DefaultUserAgent}
	}
	return &Controller{
		engine: engine,
		cfg:    cfg,
		slots:  newHostSlots(),
		pause:  &timerPauseController{},
		jitter: uniformJitter,
		agents: agents,
		logger: logger,
	}, nil
}

// Fetch retrieves req.URL, waiting for the host's next slot before every
// attempt. In-flight attempts are not cancelled by ctx; cancellation only
// interrupts the wait between attempts.
func (c *Controller) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	host := harvest.Host(req.URL)
	maxAttempts := c.cfg.RetryCount + 1

	var lastErr *harvest.FetchError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.waitTurn(ctx, host); err != nil {
			if lastErr != nil {
				return harvest.FetchResponse{}, &harvest.FetchError{
					Kind:     harvest.FetchExhaustedRetries,
					URL:      req.URL,
					Attempts: attempt - 1,
					Err:      errors.Join(lastErr, err),
				}
			}
			return harvest.FetchResponse{}, fmt.Errorf("politeness wait for %s: %w", host, err)
		}

		attemptReq := req
		attemptReq.UserAgent = c.nextAgent()
		resp, err := c.engine.Do(context.WithoutCancel(ctx), attemptReq)
		if err == nil {
			resp.Attempts = attempt
			metrics.ObserveFetchAttempt(host, "ok", len(resp.Body))
			c.logger.Debug("fetch succeeded",
				zap.String("url", req.URL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
			)
			return resp, nil
		}

		fetchErr := classify(req.URL, err)
		fetchErr.Attempts = attempt
		metrics.ObserveFetchAttempt(host, string(fetchErr.Kind), 0)
		if !fetchErr.Retryable() {
			c.logger.Warn("fetch failed",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Error(fetchErr),
			)
			return harvest.FetchResponse{}, fetchErr
		}
		c.logger.Info("fetch attempt failed, will retry",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(fetchErr),
		)
		lastErr = fetchErr
	}

	return harvest.FetchResponse{}, &harvest.FetchError{
		Kind:     harvest.FetchExhaustedRetries,
		URL:      req.URL,
		Attempts: maxAttempts,
		Err:      lastErr,
	}
}

// waitTurn reserves the host's next slot and sleeps until it arrives.
func (c *Controller) waitTurn(ctx context.Context, host string) error {
	wait := c.cfg.FixedWait + c.jitter(c.cfg.MinJitter, c.cfg.MaxJitter)
	start := c.slots.reserve(host, time.Now(), wait)
	delay := time.Until(start)
	if delay > 0 {
		metrics.ObservePolitenessWait(host, delay)
	}
	return c.pause.Pause(ctx, delay)
}

func (c *Controller) nextAgent() string {
	idx := c.next.Add(1) - 1
	return c.agents[idx%uint64(len(c.agents))]
}
