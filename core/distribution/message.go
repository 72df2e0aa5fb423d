package distribution

import "time"

type MessageKind string

const (
	// KindSnapshot carries the full mirrored state. It is always the first
	// message a subscriber receives, and is resent after an overflow.
	KindSnapshot MessageKind = "snapshot"
	// KindStateUpdate carries the changed fields of one entity.
	KindStateUpdate MessageKind = "state_update"
	// KindHeartbeat carries the server clock and playback position.
	KindHeartbeat MessageKind = "heartbeat"
)

type Entity string

const (
	EntityBlock    Entity = "block"
	EntityTimeline Entity = "timeline"
	// EntitySystem updates are streamed but never mirrored into snapshots.
	EntitySystem Entity = "system"
)

type Action string

const (
	ActionStart  Action = "start"
	ActionUpdate Action = "update"
	ActionEnd    Action = "end"
)

// Update is a delta for one entity. Value is the entity's complete latest
// state and is what snapshots are built from; it must not be mutated after
// publishing.
type Update struct {
	Entity Entity         `json:"entity"`
	Action Action         `json:"action"`
	ID     int64          `json:"id"`
	Kind   string         `json:"kind,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Value  any            `json:"-"`
}

// Snapshot holds the mirrored values per entity in ascending id order.
type Snapshot struct {
	Blocks   []any `json:"blocks"`
	Timeline []any `json:"timeline"`
}

type PlaybackState struct {
	ServerTime        time.Time `json:"server_time"`
	Elapsed           float64   `json:"elapsed"`
	Remaining         float64   `json:"remaining"`
	CrossfadeDuration float64   `json:"crossfade_duration"`
	Track             string    `json:"track,omitempty"`
	MusicActive       bool      `json:"music_active"`
	Speaking          bool      `json:"speaking"`
}

// Message is what subscribers receive. Seq orders state updates; a snapshot
// carries the sequence number of the last update it already contains.
type Message struct {
	Kind       MessageKind    `json:"kind"`
	Seq        uint64         `json:"seq"`
	ServerTime time.Time      `json:"server_time"`
	Snapshot   *Snapshot      `json:"snapshot,omitempty"`
	Update     *Update        `json:"update,omitempty"`
	Playback   *PlaybackState `json:"playback,omitempty"`
}
