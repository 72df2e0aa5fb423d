package blocks

import (
	"encoding/json"
	"time"

	"github.com/jinzhu/copier"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	StatusQueued     Status = "queued"
	StatusPlaying    Status = "playing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Tier is the amount of speech a block is given on air.
type Tier string

const (
	TierFull    Tier = "full"
	TierSummary Tier = "summary"
	TierEarcon  Tier = "earcon"
)

// AudioRef is an opaque handle to generated audio that the mixer can load.
type AudioRef struct {
	Ref      string
	Duration time.Duration
}

func (a AudioRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Ref             string  `json:"ref"`
		DurationSeconds float64 `json:"duration_seconds"`
	}{Ref: a.Ref, DurationSeconds: a.Duration.Seconds()})
}

// Block is the lifecycle-tracked unit derived from a single SourceEvent.
type Block struct {
	ID              int64          `json:"id"`
	SourceID        string         `json:"source_id"`
	SourceType      string         `json:"source_type,omitempty"`
	EventID         string         `json:"event_id"`
	Type            string         `json:"type"`
	Priority        Priority       `json:"priority"`
	Timestamp       time.Time      `json:"timestamp"`
	Content         string         `json:"content"`
	Summary         string         `json:"summary,omitempty"`
	QuestionOptions []string       `json:"question_options,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Earcon          string         `json:"earcon,omitempty"`

	Status     Status    `json:"status"`
	Tier       Tier      `json:"tier,omitempty"`
	TTSFull    *AudioRef `json:"tts_full,omitempty"`
	TTSSummary *AudioRef `json:"tts_summary,omitempty"`
	Played     bool      `json:"played"`
	Answered   bool      `json:"answered"`
	Response   string    `json:"response,omitempty"`
	Reason     string    `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Speech returns the audio matching the block's tier, if any was generated.
func (b Block) Speech() *AudioRef {
	switch b.Tier {
	case TierEarcon:
		return nil
	case TierSummary:
		if b.TTSSummary != nil {
			return b.TTSSummary
		}
		return b.TTSFull
	default:
		if b.TTSFull != nil {
			return b.TTSFull
		}
		return b.TTSSummary
	}
}

// AwaitsResponse reports whether the block is a question nobody answered yet.
func (b Block) AwaitsResponse() bool {
	return b.Priority == PriorityBlocking && !b.Answered
}

func (b *Block) clone() Block {
	var out Block
	if err := copier.CopyWithOption(&out, b, copier.Option{DeepCopy: true}); err != nil {
		out = *b
	}
	return out
}

// Update carries optional field changes applied together with a transition.
// Priority and Content have no field here; they never change after creation.
type Update struct {
	Tier       *Tier
	TTSFull    *AudioRef
	TTSSummary *AudioRef
	Played     *bool
	Answered   *bool
	Response   *string
	Reason     *string
}

func (u Update) apply(b *Block) []string {
	var changed []string
	if u.Tier != nil && *u.Tier != b.Tier {
		b.Tier = *u.Tier
		changed = append(changed, "tier")
	}
	if u.TTSFull != nil {
		ref := *u.TTSFull
		b.TTSFull = &ref
		changed = append(changed, "tts_full")
	}
	if u.TTSSummary != nil {
		ref := *u.TTSSummary
		b.TTSSummary = &ref
		changed = append(changed, "tts_summary")
	}
	if u.Played != nil && *u.Played != b.Played {
		b.Played = *u.Played
		changed = append(changed, "played")
	}
	if u.Answered != nil && *u.Answered != b.Answered {
		b.Answered = *u.Answered
		changed = append(changed, "answered")
	}
	if u.Response != nil && *u.Response != b.Response {
		b.Response = *u.Response
		changed = append(changed, "response")
	}
	if u.Reason != nil && *u.Reason != b.Reason {
		b.Reason = *u.Reason
		changed = append(changed, "reason")
	}
	return changed
}
