package blocks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TriggerKey is the metadata key a source uses to time a segment against the
// music.
const TriggerKey = "trigger"

type TriggerKind string

const (
	// TriggerASAP plays as soon as the voice lane is free.
	TriggerASAP TriggerKind = "asap"
	// TriggerBetweenSongs waits for the track playing when the block arrived
	// to end.
	TriggerBetweenSongs TriggerKind = "between_songs"
	// TriggerBeforeEnd fires once the track has at most Offset left.
	TriggerBeforeEnd TriggerKind = "before_end"
	// TriggerAfterStart fires once the track has played for Offset.
	TriggerAfterStart TriggerKind = "after_start"
	// TriggerBridge talks over the crossfade: it starts half of the speech
	// plus crossfade length before the track ends.
	TriggerBridge TriggerKind = "bridge"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

type Trigger struct {
	Kind   TriggerKind
	Offset time.Duration
}

// ParseTrigger reads "asap", "between_songs", "bridge", "before_end:X" and
// "after_start:X" with X in seconds. An empty string is asap.
func ParseTrigger(raw string) (Trigger, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	kind, arg, hasArg := strings.Cut(raw, ":")

	switch TriggerKind(kind) {
	case "", TriggerASAP:
		if hasArg {
			return Trigger{}, fmt.Errorf("%w: %q takes no offset", ErrInvalidTrigger, raw)
		}
		return Trigger{Kind: TriggerASAP}, nil
	case TriggerBetweenSongs, TriggerBridge:
		if hasArg {
			return Trigger{}, fmt.Errorf("%w: %q takes no offset", ErrInvalidTrigger, raw)
		}
		return Trigger{Kind: TriggerKind(kind)}, nil
	case TriggerBeforeEnd, TriggerAfterStart:
		seconds, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if !hasArg || err != nil || seconds < 0 {
			return Trigger{}, fmt.Errorf("%w: %q needs a non-negative offset in seconds", ErrInvalidTrigger, raw)
		}
		return Trigger{Kind: TriggerKind(kind), Offset: time.Duration(seconds * float64(time.Second))}, nil
	}
	return Trigger{}, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTrigger, raw)
}

func (t Trigger) Immediate() bool {
	return t.Kind == "" || t.Kind == TriggerASAP
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerBeforeEnd, TriggerAfterStart:
		return fmt.Sprintf("%s:%s", t.Kind, strconv.FormatFloat(t.Offset.Seconds(), 'f', -1, 64))
	case "":
		return string(TriggerASAP)
	}
	return string(t.Kind)
}

// Trigger returns the block's trigger. Metadata that does not parse counts
// as asap; ingress rejects it before a block exists.
func (b Block) Trigger() Trigger {
	raw, _ := b.Metadata[TriggerKey].(string)
	trigger, err := ParseTrigger(raw)
	if err != nil {
		return Trigger{Kind: TriggerASAP}
	}
	return trigger
}
