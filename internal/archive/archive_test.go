package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/koscakluka/ema-narrator/core/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openArchive(t *testing.T, path string) *Archive {
	t.Helper()
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRecordAndWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := openArchive(t, filepath.Join(t.TempDir(), "timeline.db"))

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := timeline.Event{
		ID:        1,
		Lane:      "agent",
		EventType: "voice",
		Title:     "Build finished",
		Status:    timeline.StatusActive,
		StartedAt: start,
		Details:   map[string]any{"block_id": 4, "priority": "done"},
	}
	require.NoError(t, a.Record(ctx, timeline.Change{Action: timeline.ActionStart, Event: event}))

	ended := start.Add(3 * time.Second)
	event.Status = timeline.StatusCompleted
	event.EndedAt = &ended
	event.Details["duration_seconds"] = 2.5
	require.NoError(t, a.Record(ctx, timeline.Change{Action: timeline.ActionEnd, Event: event}))

	got, err := a.Window(ctx, start.Add(time.Second), start.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Build finished", got[0].Title)
	assert.Equal(t, timeline.StatusCompleted, got[0].Status)
	assert.WithinDuration(t, start, got[0].StartedAt, time.Millisecond)
	require.NotNil(t, got[0].EndedAt)
	assert.WithinDuration(t, ended, *got[0].EndedAt, time.Millisecond)
	assert.Equal(t, float64(4), got[0].Details["block_id"])
	assert.Equal(t, "done", got[0].Details["priority"])
	assert.Equal(t, 2.5, got[0].Details["duration_seconds"])

	outside, err := a.Window(ctx, start.Add(time.Minute), start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, outside)
}

func TestWindowIncludesOpenEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := openArchive(t, filepath.Join(t.TempDir(), "timeline.db"))

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, a.Record(ctx, timeline.Change{Action: timeline.ActionStart, Event: timeline.Event{
		ID: 1, Lane: timeline.LaneMusic, EventType: "track", Title: "Blue in Green", Status: timeline.StatusActive, StartedAt: start,
	}}))

	got, err := a.Window(ctx, start.Add(time.Hour), start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].EndedAt)
}

func TestOpenClosesOutOrphanedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "timeline.db")
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, timeline.Change{Action: timeline.ActionStart, Event: timeline.Event{
		ID: 1, Lane: "agent", EventType: "voice", Title: "speaking", Status: timeline.StatusActive, StartedAt: start,
	}}))
	require.NoError(t, first.Record(ctx, timeline.Change{Action: timeline.ActionStart, Event: timeline.Event{
		ID: 2, Lane: "agent", EventType: "voice", Title: "queued", Status: timeline.StatusScheduled, StartedAt: start.Add(time.Second),
	}}))
	require.NoError(t, first.Close())

	second := openArchive(t, path)
	got, err := second.Window(ctx, start, start.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, timeline.StatusCompleted, got[0].Status)
	require.NotNil(t, got[0].EndedAt)
	assert.WithinDuration(t, got[0].StartedAt, *got[0].EndedAt, time.Millisecond)
	assert.Equal(t, timeline.StatusCancelled, got[1].Status)
}

func TestHookFeedsWriter(t *testing.T) {
	t.Parallel()
	a := openArchive(t, filepath.Join(t.TempDir(), "timeline.db"))
	tracker := timeline.NewTracker(timeline.WithHook(a.Hook()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	event := tracker.Start(timeline.LaneSystem, "mixer_unavailable", "Mixer unavailable", map[string]any{"address": "localhost:1234"})
	_, err := tracker.End(event.ID, timeline.StatusCompleted, map[string]any{"dropped": 3})
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)

	got, err := a.Window(context.Background(), event.StartedAt.Add(-time.Second), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, timeline.StatusCompleted, got[0].Status)
	assert.Equal(t, "localhost:1234", got[0].Details["address"])
	assert.Equal(t, float64(3), got[0].Details["dropped"])
	assert.Zero(t, a.Dropped())
}

func TestHookDropsWhenQueueIsFull(t *testing.T) {
	t.Parallel()
	a, err := Open(filepath.Join(t.TempDir(), "timeline.db"), WithQueueSize(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	hook := a.Hook()
	change := timeline.Change{Action: timeline.ActionStart, Event: timeline.Event{ID: 1, Lane: "agent", EventType: "voice", Status: timeline.StatusActive, StartedAt: time.Now()}}
	hook(change)
	hook(change)
	assert.Equal(t, int64(1), a.Dropped())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
