package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// hostSlots hands out request start times per host so that concurrent
// callers to one host never start closer together than their wait.
type hostSlots struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newHostSlots() *hostSlots {
	return &hostSlots{last: make(map[string]time.Time)}
}

// reserve returns the start time for the next request to host: wait after
// the later of now and the previous reservation.
func (s *hostSlots) reserve(host string, now time.Time, wait time.Duration) time.Time {
	key := strings.ToLower(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	base := now
	if prev, ok := s.last[key]; ok && prev.After(base) {
		base = prev
	}
	start := base.Add(wait)
	s.last[key] = start
	return start
}

// pauseController abstracts how the controller sleeps until a slot.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration) error
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pause canceled: %w", err)
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
