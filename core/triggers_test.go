package narration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/events"
	"github.com/koscakluka/ema-narrator/core/timeline"
)

func timedEvent(trigger, content string) blocks.SourceEvent {
	event := sourceEvent("text", blocks.PriorityFYI, content)
	event.Metadata = map[string]any{blocks.TriggerKey: trigger}
	return event
}

func TestTriggerDue(t *testing.T) {
	start := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	at := func(elapsed time.Duration) cue {
		return cue{now: start.Add(elapsed), active: true, seq: 1, startedAt: start, duration: time.Minute}
	}
	block := func(trigger string, speech time.Duration) blocks.Block {
		b := blocks.Block{ID: 1, Tier: blocks.TierFull, Metadata: map[string]any{blocks.TriggerKey: trigger}}
		if speech > 0 {
			b.TTSFull = &blocks.AudioRef{Ref: "a.wav", Duration: speech}
		}
		return b
	}

	tests := []struct {
		name  string
		block blocks.Block
		cue   cue
		due   bool
		wait  time.Duration
	}{
		{name: "asap", block: block("asap", 0), cue: at(0), due: true},
		{name: "no music", block: block("after_start:30", 0), cue: cue{now: start}, due: true},
		{name: "after start early", block: block("after_start:30", 0), cue: at(10 * time.Second), wait: 20 * time.Second},
		{name: "after start reached", block: block("after_start:30", 0), cue: at(30 * time.Second), due: true},
		{name: "before end early", block: block("before_end:20", 0), cue: at(30 * time.Second), wait: 10 * time.Second},
		{name: "before end reached", block: block("before_end:20", 0), cue: at(45 * time.Second), due: true},
		{name: "before end unknown length", block: block("before_end:20", 0), cue: cue{now: start, active: true, startedAt: start}, due: true},
		{name: "bridge early", block: block("bridge", 6*time.Second), cue: at(50 * time.Second), wait: 5 * time.Second},
		{name: "bridge reached", block: block("bridge", 6*time.Second), cue: at(56 * time.Second), due: true},
		{name: "bridge without speech length", block: block("bridge", 0), cue: at(55 * time.Second), wait: time.Second},
		{name: "between songs same track", block: block("between_songs", 0), cue: at(5 * time.Second)},
		{name: "between songs next track", block: block("between_songs", 0), cue: cue{now: start, active: true, seq: 2, startedAt: start, duration: time.Minute}, due: true},
	}

	q := &playbackQueue{
		n:     NewNarrator(WithCrossfadeDuration(4 * time.Second)),
		armed: map[int64]uint64{1: 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			due, wait := q.due(test.block, test.cue)
			if due != test.due || wait != test.wait {
				t.Fatalf("expected due=%v wait=%v, got due=%v wait=%v", test.due, test.wait, due, wait)
			}
		})
	}
}

type timelineRecorder struct {
	mu       sync.Mutex
	statuses map[int64][]timeline.Status
}

func (r *timelineRecorder) observe(change timeline.Change) {
	if change.Event.EventType != "voice_segment" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = map[int64][]timeline.Status{}
	}
	history := r.statuses[change.Event.ID]
	if len(history) == 0 || history[len(history)-1] != change.Event.Status {
		r.statuses[change.Event.ID] = append(history, change.Event.Status)
	}
}

func (r *timelineRecorder) history(id int64) []timeline.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]timeline.Status(nil), r.statuses[id]...)
}

func voiceEvent(t *testing.T, n *Narrator, blockID int64) timeline.Event {
	t.Helper()
	for _, event := range n.Tracker().List() {
		if event.EventType == "voice_segment" && event.Details["block_id"] == blockID {
			return event
		}
	}
	t.Fatalf("expected a voice segment for block %d", blockID)
	return timeline.Event{}
}

func TestVoiceSegmentIsScheduledBeforeItAirs(t *testing.T) {
	segments := &timelineRecorder{}
	n, recorder := startNarrator(t,
		WithTracker(timeline.NewTracker(timeline.WithHook(segments.observe))),
		WithSynthesizer(&fakeSynthesizer{duration: 10 * time.Millisecond}),
	)

	id := mustIngest(t, n, sourceEvent("text", blocks.PriorityFYI, "build is green"))
	recorder.waitFor(t, events.KindBlockPlayed, id)

	segment := voiceEvent(t, n, id)
	expected := []timeline.Status{timeline.StatusScheduled, timeline.StatusActive, timeline.StatusCompleted}
	waitUntil(t, "voice segment to complete", func() bool {
		return len(segments.history(segment.ID)) == len(expected)
	})
	for i, status := range segments.history(segment.ID) {
		if status != expected[i] {
			t.Fatalf("expected %v, got %v", expected, segments.history(segment.ID))
		}
	}
	if segment.Details["trigger"] != "asap" {
		t.Fatalf("expected the trigger in the segment details, got %+v", segment.Details)
	}
}

func TestAfterStartHoldsOnlyTheTimedBlock(t *testing.T) {
	n, recorder := startNarrator(t,
		WithSynthesizer(&fakeSynthesizer{duration: 10 * time.Millisecond}),
		WithDuckingMode(DuckingNative),
	)
	n.SetMusic(NowPlaying{Title: "Slow Build", Duration: time.Minute})
	musicStart := time.Now()

	timed := mustIngest(t, n, timedEvent("after_start:0.3", "half a minute in"))
	waitForStatus(t, n, timed, blocks.StatusReady)
	asap := mustIngest(t, n, sourceEvent("text", blocks.PriorityFYI, "meanwhile"))

	played := recorder.waitFor(t, events.KindBlockPlayed, asap)
	playing := recorder.waitFor(t, events.KindBlockPlaying, timed)
	if !playing.at.After(played.at) {
		t.Fatalf("expected the asap block to air while the timed one waited")
	}
	if since := playing.at.Sub(musicStart); since < 250*time.Millisecond {
		t.Fatalf("expected the timed block to wait for the track to reach 0.3s, it aired after %v", since)
	}
	if segment := voiceEvent(t, n, timed); segment.Details["trigger"] != "after_start:0.3" {
		t.Fatalf("expected the trigger in the segment details, got %+v", segment.Details)
	}
}

func TestBetweenSongsWaitsForTheNextTrack(t *testing.T) {
	n, recorder := startNarrator(t,
		WithSynthesizer(&fakeSynthesizer{duration: 10 * time.Millisecond}),
		WithDuckingMode(DuckingNative),
	)
	n.SetMusic(NowPlaying{Title: "Side A", Duration: time.Minute})

	id := mustIngest(t, n, timedEvent("between_songs", "that was side A"))
	waitForStatus(t, n, id, blocks.StatusReady)
	time.Sleep(50 * time.Millisecond)
	if block, _ := n.Store().Get(id); block.Status != blocks.StatusReady {
		t.Fatalf("expected the block to wait for the track to end, it is %s", block.Status)
	}
	waitUntil(t, "segment to be scheduled", func() bool {
		for _, event := range n.Tracker().List() {
			if event.EventType == "voice_segment" && event.Details["block_id"] == id {
				return event.Status == timeline.StatusScheduled
			}
		}
		return false
	})

	n.SetMusic(NowPlaying{Title: "Side B", Duration: time.Minute})
	recorder.waitFor(t, events.KindBlockPlayed, id)
}

func TestSkippedHeldBlockCancelsItsSegment(t *testing.T) {
	n, _ := startNarrator(t, WithSynthesizer(&fakeSynthesizer{duration: 10 * time.Millisecond}))
	n.SetMusic(NowPlaying{Title: "Long Player", Duration: time.Hour})

	id := mustIngest(t, n, timedEvent("before_end:10", "almost over"))
	waitForStatus(t, n, id, blocks.StatusReady)
	waitUntil(t, "segment to be scheduled", func() bool {
		for _, event := range n.Tracker().List() {
			if event.EventType == "voice_segment" && event.Details["block_id"] == id {
				return true
			}
		}
		return false
	})

	if _, err := n.Skip(context.Background(), id); err != nil {
		t.Fatalf("expected skip to succeed, got %v", err)
	}
	waitUntil(t, "segment to be cancelled", func() bool {
		return voiceEvent(t, n, id).Status == timeline.StatusCancelled
	})
	if segment := voiceEvent(t, n, id); segment.Details["reason"] != "user" {
		t.Fatalf("expected the skip reason on the segment, got %+v", segment.Details)
	}
}
