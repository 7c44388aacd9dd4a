package banksync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduper(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper()
	d.now = func() time.Time { return now }

	fresh, err := d.Mark(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, _ = d.Mark(ctx, "k", time.Hour)
	assert.False(t, fresh, "second mark within window")

	fresh, _ = d.Mark(ctx, "other", time.Hour)
	assert.True(t, fresh)

	now = now.Add(2 * time.Hour)
	fresh, _ = d.Mark(ctx, "k", time.Hour)
	assert.True(t, fresh, "window elapsed")

	require.NoError(t, d.Forget(ctx, "k"))
	fresh, _ = d.Mark(ctx, "k", time.Hour)
	assert.True(t, fresh, "forgotten key")
}
