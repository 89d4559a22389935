package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

func TestDedupeStopsRepeatedText(t *testing.T) {
	t.Parallel()

	d := NewDedupe("mod_dedupe", DedupeConfig{}, nil)
	ctx := context.Background()

	first := testItem()
	_, err := d.Process(ctx, first)
	require.NoError(t, err)

	// reprocessing the same item is not a duplicate
	_, err = d.Process(ctx, first)
	require.NoError(t, err)

	second := testItem()
	second.ID = "fedcba9876543210fedcba9876543210"
	second.Text = "  CENTRAL banks held rates   steady.\nMarkets rallied on the news. "
	_, err = d.Process(ctx, second)
	var stageErr *harvest.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.True(t, stageErr.Fatal)
	assert.Contains(t, err.Error(), first.ID)

	third := testItem()
	third.ID = "third"
	third.Text = "Something else entirely."
	_, err = d.Process(ctx, third)
	require.NoError(t, err)
}

func TestDedupeSkipsShortText(t *testing.T) {
	t.Parallel()

	d := NewDedupe("mod_dedupe", DedupeConfig{MinChars: 100}, nil)
	_, err := d.Process(context.Background(), testItem())
	assert.ErrorIs(t, err, harvest.ErrSkip)
}
