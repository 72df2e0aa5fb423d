package blocks

import "time"

// Priority decides how a block competes for airtime.
type Priority string

const (
	// PriorityBlocking needs a user response before playback proceeds past it.
	PriorityBlocking Priority = "blocking"
	// PriorityFYI is informational speech that may be throttled.
	PriorityFYI Priority = "fyi"
	// PriorityDone reports finished work and may be throttled.
	PriorityDone Priority = "done"
	// PrioritySilent only guarantees an earcon.
	PrioritySilent Priority = "silent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityBlocking, PriorityFYI, PriorityDone, PrioritySilent:
		return true
	}
	return false
}

// SourceEvent is the canonical shape of activity reported by a source adapter.
// It is never modified once handed to the narrator.
type SourceEvent struct {
	SourceID        string         `json:"source_id" jsonschema:"minLength=1"`
	SourceType      string         `json:"source_type,omitempty"`
	EventID         string         `json:"event_id" jsonschema:"minLength=1"`
	Timestamp       time.Time      `json:"timestamp,omitempty"`
	EventType       string         `json:"event_type" jsonschema:"minLength=1"`
	Priority        Priority       `json:"priority" jsonschema:"enum=blocking,enum=fyi,enum=done,enum=silent"`
	Content         string         `json:"content,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	QuestionOptions []string       `json:"question_options,omitempty"`
	Earcon          string         `json:"earcon,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Key identifies an event across redeliveries from the same source.
func (e SourceEvent) Key() string {
	return e.SourceID + "/" + e.EventID
}
