package narration

import (
	"time"

	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/timeline"
)

// cue is the music clock triggers are judged against.
type cue struct {
	now       time.Time
	active    bool
	seq       uint64
	startedAt time.Time
	duration  time.Duration
}

func (c cue) elapsed() time.Duration {
	return c.now.Sub(c.startedAt)
}

func (n *Narrator) cue() cue {
	now := time.Now()
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return cue{
		now:       now,
		active:    n.music.active,
		seq:       n.trackSeq,
		startedAt: n.music.startedAt,
		duration:  n.music.duration,
	}
}

// due reports whether the block's trigger lets it play now. When it does not,
// wait is how long until it will; zero means only a track change releases
// it. Without music every trigger is due.
func (q *playbackQueue) due(block blocks.Block, c cue) (bool, time.Duration) {
	trigger := block.Trigger()
	if trigger.Immediate() || !c.active {
		return true, 0
	}

	switch trigger.Kind {
	case blocks.TriggerBetweenSongs:
		armed, ok := q.armed[block.ID]
		return !ok || armed != c.seq, 0
	case blocks.TriggerAfterStart:
		if elapsed := c.elapsed(); elapsed < trigger.Offset {
			return false, trigger.Offset - elapsed
		}
		return true, 0
	case blocks.TriggerBeforeEnd, blocks.TriggerBridge:
		if c.duration <= 0 {
			return true, 0
		}
		lead := trigger.Offset
		if trigger.Kind == blocks.TriggerBridge {
			lead = bridgeLead(block, q.n.crossfade)
		}
		if remaining := c.duration - c.elapsed(); remaining > lead {
			return false, remaining - lead
		}
		return true, 0
	}
	return true, 0
}

// bridgeLead centres the speech on the crossfade: it starts (speech +
// crossfade) / 2 before the track ends, or one crossfade early when the
// speech length is unknown.
func bridgeLead(block blocks.Block, crossfade time.Duration) time.Duration {
	speech := block.Speech()
	if speech == nil || speech.Duration <= 0 {
		return crossfade
	}
	return (speech.Duration + crossfade) / 2
}

// expectedAt estimates when a block will air, for its scheduled timeline
// event.
func (q *playbackQueue) expectedAt(block blocks.Block, c cue) time.Time {
	ok, wait := q.due(block, c)
	switch {
	case ok:
		return c.now
	case wait > 0:
		return c.now.Add(wait)
	case c.duration > 0:
		return c.startedAt.Add(c.duration)
	}
	return c.now
}

// track arms triggers for blocks it has not seen, schedules a timeline event
// for every block ready to air and cancels those whose block left without
// airing.
func (q *playbackQueue) track(c cue) {
	for _, block := range q.n.store.List() {
		if block.Status.Terminal() || block.Played {
			delete(q.armed, block.ID)
			if eventID, ok := q.scheduled[block.ID]; ok {
				delete(q.scheduled, block.ID)
				var details map[string]any
				if block.Reason != "" {
					details = map[string]any{"reason": block.Reason}
				}
				_, _ = q.n.tracker.End(eventID, timeline.StatusCancelled, details)
			}
			continue
		}
		if _, ok := q.armed[block.ID]; !ok {
			q.armed[block.ID] = c.seq
		}
		if block.Status == blocks.StatusReady || block.Status == blocks.StatusQueued {
			q.schedule(block, c)
		}
	}
}

func (q *playbackQueue) schedule(block blocks.Block, c cue) {
	if _, ok := q.scheduled[block.ID]; ok {
		return
	}
	details := voiceDetails(block, q.n.speechLength(block))
	event := q.n.tracker.Schedule(block.SourceID, "voice_segment", voiceTitle(block), q.expectedAt(block, c), details)
	q.scheduled[block.ID] = event.ID
}

// speechLength is how long the block occupies the voice schedule before any
// ducking tail.
func (n *Narrator) speechLength(block blocks.Block) time.Duration {
	if block.Tier == blocks.TierEarcon {
		return n.earconDuration
	}
	if speech := block.Speech(); speech != nil {
		return speech.Duration
	}
	return 0
}

func voiceDetails(block blocks.Block, length time.Duration) map[string]any {
	return map[string]any{
		"block_id":         block.ID,
		"priority":         block.Priority,
		"text":             spokenText(block),
		"duration_seconds": length.Seconds(),
		"trigger":          block.Trigger().String(),
	}
}
