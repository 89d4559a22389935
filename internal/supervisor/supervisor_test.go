package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

type fakeSource struct {
	name  string
	items int
	err   error
	panic bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchBatch(ctx context.Context, emit harvest.EmitFunc) (harvest.SourceReport, error) {
	if f.panic {
		panic("kaboom")
	}
	var report harvest.SourceReport
	for i := 0; i < f.items; i++ {
		if err := emit(ctx, harvest.Item{ID: f.name, Source: f.name}); err != nil {
			return report, err
		}
		report.Emitted++
	}
	return report, f.err
}

type collectingSink struct {
	mu    sync.Mutex
	items []harvest.Item
}

func (c *collectingSink) emit(_ context.Context, item harvest.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.NoError(t, s.Register(&fakeSource{name: "a"}))
	require.ErrorIs(t, s.Register(&fakeSource{name: "a"}), ErrDuplicateSource)
	require.Error(t, s.Register(&fakeSource{}))
	require.Error(t, s.Register(nil))
	assert.Equal(t, []string{"a"}, s.Sources())
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.NoError(t, s.Register(&fakeSource{name: "good", items: 3}))
	require.NoError(t, s.Register(&fakeSource{name: "broken", items: 1, err: errors.New("listing failed")}))
	require.NoError(t, s.Register(&fakeSource{name: "panicky", panic: true}))
	require.NoError(t, s.Register(&fakeSource{name: "also-good", items: 2}))

	sink := &collectingSink{}
	reports := s.Run(context.Background(), sink.emit)

	require.Len(t, reports, 4)
	assert.Equal(t, harvest.SourceReport{Name: "good", Emitted: 3}, reports[0])
	assert.Equal(t, "broken", reports[1].Name)
	assert.Equal(t, 1, reports[1].Emitted)
	assert.Contains(t, reports[1].Err, "listing failed")
	assert.Equal(t, "panicky", reports[2].Name)
	assert.Contains(t, reports[2].Err, "panic")
	assert.Equal(t, harvest.SourceReport{Name: "also-good", Emitted: 2}, reports[3])
	assert.Len(t, sink.items, 6)
}

func TestRunWithNoSources(t *testing.T) {
	t.Parallel()

	assert.Empty(t, New(nil).Run(context.Background(), func(context.Context, harvest.Item) error { return nil }))
}
