package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icalfeed/internal/model"
)

func TestPickNext(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, testZone)
	items := []model.Occurrence{
		{Summary: "past", Start: now.Add(-3 * time.Hour), End: now.Add(-2 * time.Hour)},
		{Summary: "long running", Start: now.Add(-time.Hour), End: now.Add(5 * time.Hour)},
		{Summary: "short overlapping", Start: now.Add(30 * time.Minute), End: now.Add(time.Hour)},
	}

	got, ok := PickNext(items, now)
	require.True(t, ok)
	// Sorted by start, so the in-progress event wins even though the
	// overlapping one ends sooner.
	assert.Equal(t, "long running", got.Summary)
}

func TestPickNext_EndEqualToNowIsOver(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, testZone)
	items := []model.Occurrence{
		{Summary: "just ended", Start: now.Add(-time.Hour), End: now},
		{Summary: "later", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
	}
	got, ok := PickNext(items, now)
	require.True(t, ok)
	assert.Equal(t, "later", got.Summary)
}

func TestPickNext_None(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, testZone)
	_, ok := PickNext(nil, now)
	assert.False(t, ok)

	_, ok = PickNext([]model.Occurrence{{Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}}, now)
	assert.False(t, ok)
}
