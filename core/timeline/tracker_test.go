package timeline

import (
	"errors"
	"testing"
	"time"
)

func TestStartSupersedesActiveEventOnLane(t *testing.T) {
	var ended []Event
	tracker := NewTracker(WithHook(func(change Change) {
		if change.Action == ActionEnd {
			ended = append(ended, change.Event)
		}
	}))

	first := tracker.Start(LaneMusic, "track", "First", nil)
	second := tracker.Start(LaneMusic, "track", "Second", nil)

	active, ok := tracker.Active(LaneMusic)
	if !ok || active.ID != second.ID {
		t.Fatalf("expected second track to be active, got %+v", active)
	}
	got, _ := tracker.Get(first.ID)
	if got.Status != StatusCompleted || got.EndedAt == nil {
		t.Fatalf("expected first track to be completed, got %+v", got)
	}
	if len(ended) != 1 || ended[0].ID != first.ID {
		t.Fatalf("expected a single end change for first track, got %v", ended)
	}
}

func TestConcurrentLanesAllowSeveralActive(t *testing.T) {
	tracker := NewTracker()

	first := tracker.Start(LaneAPI, "tts_generate", "one", nil)
	second := tracker.Start(LaneAPI, "tts_generate", "two", nil)

	for _, id := range []int64{first.ID, second.ID} {
		got, _ := tracker.Get(id)
		if got.Status != StatusActive {
			t.Fatalf("expected event %d to stay active, got %s", id, got.Status)
		}
	}
}

func TestStatusAdvancesMonotonically(t *testing.T) {
	tracker := NewTracker()
	scheduled := tracker.Schedule("agent", "voice", "hello", time.Time{}, nil)

	if _, err := tracker.Activate(scheduled.ID, map[string]any{"block_id": int64(1)}); err != nil {
		t.Fatalf("unexpected activate error: %v", err)
	}
	if _, err := tracker.Activate(scheduled.ID, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on second activation, got %v", err)
	}
	if _, err := tracker.End(scheduled.ID, StatusCompleted, nil); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if _, err := tracker.End(scheduled.ID, StatusFailed, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected terminal status to be final, got %v", err)
	}
	if _, err := tracker.Update(scheduled.ID, map[string]any{"x": 1}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ended event to reject updates, got %v", err)
	}
}

func TestEndRequiresTerminalStatus(t *testing.T) {
	tracker := NewTracker()
	e := tracker.Start(LaneSystem, "mixer_unavailable", "Mixer down", nil)

	if _, err := tracker.End(e.ID, StatusActive, nil); !errors.Is(err, ErrNotTerminalState) {
		t.Fatalf("expected ErrNotTerminalState, got %v", err)
	}
	if _, err := tracker.End(99, StatusCompleted, nil); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestCancelScheduledEvent(t *testing.T) {
	tracker := NewTracker()
	e := tracker.Schedule("agent", "voice", "later", time.Time{}, nil)

	got, err := tracker.End(e.ID, StatusCancelled, map[string]any{"reason": "superseded"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCancelled || got.Details["reason"] != "superseded" {
		t.Fatalf("expected cancelled event with reason, got %+v", got)
	}
	if _, ok := tracker.Active("agent"); ok {
		t.Fatalf("expected no active event on lane")
	}
}

func TestWindowReturnsOverlappingEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	tracker := NewTracker(WithTrackerClock(func() time.Time { return clock }))

	old := tracker.Start(LaneMusic, "track", "Old", nil)
	clock = now.Add(time.Hour)
	_, _ = tracker.End(old.ID, StatusCompleted, nil)

	clock = now.Add(3 * time.Hour)
	current := tracker.Start(LaneMusic, "track", "Current", nil)

	window := tracker.Window(now.Add(2*time.Hour), now.Add(4*time.Hour))
	if len(window) != 1 || window[0].ID != current.ID {
		t.Fatalf("expected only the current track in window, got %+v", window)
	}

	window = tracker.Window(now.Add(30*time.Minute), now.Add(4*time.Hour))
	if len(window) != 2 {
		t.Fatalf("expected both tracks in wider window, got %d", len(window))
	}
}
