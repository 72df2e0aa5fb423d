package timeline

import (
	"maps"
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	LaneMusic  = "music"
	LaneAPI    = "api"
	LaneSystem = "system"
)

// Event is an observer-facing record of audible or API activity on a lane.
type Event struct {
	ID        int64          `json:"id"`
	Lane      string         `json:"lane"`
	EventType string         `json:"event_type"`
	Title     string         `json:"title"`
	Status    Status         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Overlaps reports whether the event intersects [from, to]. Events that have
// not ended extend to the present.
func (e Event) Overlaps(from, to time.Time) bool {
	if e.StartedAt.After(to) {
		return false
	}
	if e.EndedAt == nil {
		return true
	}
	return !e.EndedAt.Before(from)
}

func (e Event) clone() Event {
	out := e
	out.Details = maps.Clone(e.Details)
	if e.EndedAt != nil {
		ended := *e.EndedAt
		out.EndedAt = &ended
	}
	return out
}
