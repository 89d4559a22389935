package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

func TestDoSerializesCallsPerService(t *testing.T) {
	t.Parallel()

	c := New(map[string]ServiceConfig{"llm": {Timeout: time.Second}}, nil)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), "llm", func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestDifferentServicesRunConcurrently(t *testing.T) {
	t.Parallel()

	c := New(map[string]ServiceConfig{"a": {}, "b": {}}, nil)
	ga, err := c.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer ga.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gb, err := c.Acquire(ctx, "b")
	require.NoError(t, err)
	gb.Release()
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	c := New(map[string]ServiceConfig{"llm": {}}, nil)
	g, err := c.Acquire(context.Background(), "llm")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "llm")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	g.Release()
	g.Release()
	g2, err := c.Acquire(context.Background(), "llm")
	require.NoError(t, err)
	g2.Release()
}

func TestUnknownService(t *testing.T) {
	t.Parallel()

	c := New(nil, nil)
	_, err := c.Acquire(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestCallClassifiesErrors(t *testing.T) {
	t.Parallel()

	c := New(map[string]ServiceConfig{"llm": {Timeout: 20 * time.Millisecond}}, nil)

	err := c.Do(context.Background(), "llm", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, harvest.IsServiceKind(err, harvest.ServiceTimeout), "got %v", err)

	err = c.Do(context.Background(), "llm", func(context.Context) error {
		return errors.New("connection refused")
	})
	assert.True(t, harvest.IsServiceKind(err, harvest.ServiceUnavailable), "got %v", err)

	err = c.Do(context.Background(), "llm", func(context.Context) error {
		return &harvest.ExternalServiceError{Kind: harvest.ServiceMalformedResponse, Err: errors.New("bad json")}
	})
	var svcErr *harvest.ExternalServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, harvest.ServiceMalformedResponse, svcErr.Kind)
	assert.Equal(t, "llm", svcErr.Service)
}

func TestRateLimitedWhenBudgetExceedsTimeout(t *testing.T) {
	t.Parallel()

	c := New(map[string]ServiceConfig{"llm": {Timeout: 50 * time.Millisecond, RequestsPerMinute: 1}}, nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, c.Do(context.Background(), "llm", noop))
	err := c.Do(context.Background(), "llm", noop)
	assert.True(t, harvest.IsServiceKind(err, harvest.ServiceRateLimited), "got %v", err)
}

func TestServicesSorted(t *testing.T) {
	t.Parallel()

	c := New(map[string]ServiceConfig{"b": {}, "a": {}}, nil)
	assert.Equal(t, []string{"a", "b"}, c.Services())
}
