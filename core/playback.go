package narration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/events"
	"github.com/koscakluka/ema-narrator/core/mixer"
	"github.com/koscakluka/ema-narrator/core/timeline"
	"github.com/koscakluka/ema-narrator/internal/utils"
)

// playbackItem is whatever the mixer is currently playing for us.
type playbackItem struct {
	block      blocks.Block
	lane       string
	timelineID int64
	repeat     bool
	ducked     bool
	timer      *time.Timer
	stopDuck   context.CancelFunc
}

// playbackQueue is owned by the playback goroutine. Nothing else touches it;
// other goroutines reach it through the store and the playback signal.
type playbackQueue struct {
	n *Narrator

	current *playbackItem

	waitingFor  int64
	attempts    int
	repeatTimer *time.Timer

	// armed is the track each unplayed block first saw; scheduled maps
	// blocks to their scheduled timeline event.
	armed        map[int64]uint64
	scheduled    map[int64]int64
	wake         time.Duration
	triggerTimer *time.Timer
}

func (n *Narrator) runPlayback(ctx context.Context) error {
	q := &playbackQueue{
		n:         n,
		armed:     map[int64]uint64{},
		scheduled: map[int64]int64{},
	}
	defer q.stop()

	for {
		q.reconcile(ctx)
		q.armTrigger()

		select {
		case <-ctx.Done():
			return nil
		case <-n.playbackSignal:
		case <-q.itemDone():
			q.finishItem()
		case <-q.repeatDue():
			q.repeatTimer = nil
			q.repeat()
		case <-q.triggerDue():
			q.triggerTimer = nil
		}
	}
}

func (q *playbackQueue) itemDone() <-chan time.Time {
	if q.current == nil {
		return nil
	}
	return q.current.timer.C
}

func (q *playbackQueue) repeatDue() <-chan time.Time {
	if q.repeatTimer == nil {
		return nil
	}
	return q.repeatTimer.C
}

func (q *playbackQueue) triggerDue() <-chan time.Time {
	if q.triggerTimer == nil {
		return nil
	}
	return q.triggerTimer.C
}

// armTrigger wakes the loop when the earliest held block comes due.
func (q *playbackQueue) armTrigger() {
	if q.triggerTimer != nil {
		q.triggerTimer.Stop()
		q.triggerTimer = nil
	}
	if q.wake > 0 {
		q.triggerTimer = time.NewTimer(q.wake)
	}
}

// reconcile brings the queue in line with the store: it interrupts a skipped
// item, releases an answered wait and starts the next item when the voice
// lane is free.
func (q *playbackQueue) reconcile(ctx context.Context) {
	n := q.n
	q.wake = 0
	q.track(n.cue())

	if q.current != nil && !q.current.repeat {
		if block, ok := n.store.Get(q.current.block.ID); ok && (block.Status == blocks.StatusSkipped || block.Status == blocks.StatusFailed) {
			q.interrupt()
		}
	}

	if q.waitingFor != 0 {
		block, ok := n.store.Get(q.waitingFor)
		if ok && !block.Answered {
			return
		}
		q.releaseWait()
	}

	if q.current != nil {
		return
	}

	q.supersede()

	// Every failed start moves a block to a terminal status, so this ends.
	for q.current == nil && ctx.Err() == nil {
		next, ok := q.next()
		if !ok {
			return
		}
		q.play(next)
	}
}

// next picks the earliest ready blocking block, then the earliest timed
// block whose trigger came due, otherwise the head of the queue if it is
// ready. A head that is still generating holds everything behind it; timed
// blocks wait aside and hold nothing.
func (q *playbackQueue) next() (blocks.Block, bool) {
	c := q.n.cue()
	var head, timed *blocks.Block
	for _, block := range q.n.store.List() {
		if block.Status.Terminal() || block.Played {
			continue
		}
		if !block.Trigger().Immediate() {
			if block.Status != blocks.StatusReady {
				continue
			}
			due, wait := q.due(block, c)
			switch {
			case due && block.Priority == blocks.PriorityBlocking:
				return block, true
			case due:
				if timed == nil {
					timed = &block
				}
			case wait > 0 && (q.wake == 0 || wait < q.wake):
				q.wake = wait
			}
			continue
		}
		if block.Priority == blocks.PriorityBlocking && block.Status == blocks.StatusReady {
			return block, true
		}
		if head == nil {
			head = &block
		}
	}
	if timed != nil {
		return *timed, true
	}
	if head == nil || head.Status != blocks.StatusReady {
		return blocks.Block{}, false
	}
	return *head, true
}

// supersede skips the oldest unplayed non-blocking blocks beyond the backlog
// bound.
func (q *playbackQueue) supersede() {
	n := q.n
	if n.maxBacklog <= 0 {
		return
	}

	var waiting []blocks.Block
	for _, block := range n.store.List() {
		if block.Status.Terminal() || block.Played || block.Priority == blocks.PriorityBlocking {
			continue
		}
		switch block.Status {
		case blocks.StatusPending, blocks.StatusGenerating, blocks.StatusReady:
			waiting = append(waiting, block)
		}
	}

	const reason = "superseded"
	for _, block := range waiting[:max(0, len(waiting)-n.maxBacklog)] {
		if _, err := n.store.Mark(block.ID, blocks.StatusSkipped, blocks.Update{Reason: utils.Ptr(reason)}); err != nil {
			continue
		}
		n.emit(events.NewBlockSkipped(block.ID, reason))
	}
}

func (q *playbackQueue) play(block blocks.Block) {
	n := q.n

	lane, path, length := n.voiceLane, "", n.earconDuration
	if block.Tier == blocks.TierEarcon {
		lane, path = n.earconLane, n.earcons.Path(block.Earcon)
	} else if speech := block.Speech(); speech != nil {
		path, length = speech.Ref, speech.Duration
	} else {
		q.fail(block, "no_audio")
		return
	}

	q.schedule(block, n.cue())
	if _, err := n.store.Mark(block.ID, blocks.StatusQueued, blocks.Update{}); err != nil {
		logger.Debug("block left ready before playback", "block_id", block.ID, "error", err)
		return
	}
	if path != "" {
		if err := n.mixer.Send(mixer.EnqueueAudio(lane, path)); err != nil {
			logger.Error("failed to hand block to mixer", "block_id", block.ID, "error", err)
			q.fail(block, "mixer_dropped")
			n.emit(events.NewSystemDegraded(block.ID, "mixer_dropped"))
			return
		}
	} else {
		logger.Warn("no earcon file for block", "block_id", block.ID, "earcon", block.Earcon)
		length = 0
	}

	playing, err := n.store.Mark(block.ID, blocks.StatusPlaying, blocks.Update{Played: utils.Ptr(true)})
	if err != nil {
		logger.Debug("block left queue before playing", "block_id", block.ID, "error", err)
		return
	}
	n.emit(events.NewBlockPlaying(block.ID))

	q.start(playing, lane, length, false)
}

// start hands an item to the clock. The voice schedule is blocked for the
// speech length plus the duck-out tail when music is ducked under it.
func (q *playbackQueue) start(block blocks.Block, lane string, length time.Duration, repeat bool) {
	n := q.n

	details := voiceDetails(block, length)
	var event timeline.Event
	if repeat {
		details["repeat"] = q.attempts
	} else if id, ok := q.scheduled[block.ID]; ok {
		delete(q.scheduled, block.ID)
		activated, err := n.tracker.Activate(id, details)
		if err != nil {
			logger.Debug("scheduled voice event could not be activated", "block_id", block.ID, "event_id", id, "error", err)
		}
		event = activated
	}
	if event.ID == 0 || event.Status != timeline.StatusActive {
		event = n.tracker.Start(block.SourceID, "voice_segment", voiceTitle(block), details)
	}

	item := &playbackItem{
		block:      block,
		lane:       lane,
		timelineID: event.ID,
		repeat:     repeat,
	}

	occupied := length
	if lane == n.voiceLane && n.duckingMode == DuckingSampled && n.MusicActive() {
		duckCtx, cancel := context.WithCancel(context.Background())
		item.ducked = true
		item.stopDuck = cancel
		occupied = n.envelope.Total(length)
		go n.runEnvelope(duckCtx, length)
	}
	item.timer = time.NewTimer(occupied)

	q.current = item
	n.speaking.Store(true)
}

func (q *playbackQueue) finishItem() {
	n := q.n
	item := q.current
	q.current = nil
	n.speaking.Store(false)

	_, _ = n.tracker.End(item.timelineID, timeline.StatusCompleted, nil)
	if item.ducked {
		item.stopDuck()
		_ = n.mixer.Send(mixer.SetVolume(n.musicLane, 1))
	}

	if item.repeat {
		if q.waitingFor == item.block.ID {
			q.armRepeat()
		}
		return
	}

	block, err := n.store.Mark(item.block.ID, blocks.StatusCompleted, blocks.Update{})
	if err != nil {
		if !errors.Is(err, blocks.ErrInvalidTransition) {
			logger.Error("failed to complete block", "block_id", item.block.ID, "error", err)
		}
		return
	}
	n.emit(events.NewBlockPlayed(block.ID))

	if block.AwaitsResponse() {
		q.waitingFor = block.ID
		q.attempts = 0
		n.emit(events.NewBlockAwaitingResponse(block.ID, block.QuestionOptions))
		q.armRepeat()
	}
}

// repeat announces the waiting question again after the response timeout.
func (q *playbackQueue) repeat() {
	n := q.n
	block, ok := n.store.Get(q.waitingFor)
	if !ok || block.Answered {
		return
	}

	q.attempts++
	repeated := events.NewBlockRepeated(block.ID, q.attempts)
	repeated.Reason = ErrTimeout
	n.emit(repeated)

	if q.current != nil {
		q.armRepeat()
		return
	}
	speech := block.Speech()
	if speech == nil {
		q.armRepeat()
		return
	}
	if err := n.mixer.Send(mixer.EnqueueAudio(n.voiceLane, speech.Ref)); err != nil {
		logger.Warn("failed to repeat blocking announcement", "block_id", block.ID, "attempt", q.attempts, "error", err)
		q.armRepeat()
		return
	}
	q.start(block, n.voiceLane, speech.Duration, true)
}

func (q *playbackQueue) armRepeat() {
	if q.repeatTimer != nil {
		q.repeatTimer.Stop()
	}
	q.repeatTimer = time.NewTimer(q.n.blockingRepeatTimeout)
}

func (q *playbackQueue) releaseWait() {
	if q.repeatTimer != nil {
		q.repeatTimer.Stop()
		q.repeatTimer = nil
	}
	logger.Debug("blocking wait released", "block_id", q.waitingFor, "repeats", q.attempts)
	q.waitingFor = 0
	q.attempts = 0
}

// interrupt flushes the playing item from the mixer and gives the music its
// volume back.
func (q *playbackQueue) interrupt() {
	n := q.n
	item := q.current
	q.current = nil
	n.speaking.Store(false)

	item.timer.Stop()
	if item.stopDuck != nil {
		item.stopDuck()
	}
	if err := n.mixer.Send(mixer.Skip(item.lane)); err != nil {
		logger.Warn("failed to flush skipped block", "block_id", item.block.ID, "error", err)
	}
	if item.ducked {
		_ = n.mixer.Send(mixer.SetVolume(n.musicLane, 1))
	}
	_, _ = n.tracker.End(item.timelineID, timeline.StatusCancelled, nil)
}

func (q *playbackQueue) fail(block blocks.Block, reason string) {
	if _, err := q.n.store.Mark(block.ID, blocks.StatusFailed, blocks.Update{Reason: utils.Ptr(reason)}); err != nil {
		logger.Debug("could not fail block", "block_id", block.ID, "error", err)
	}
}

func (q *playbackQueue) stop() {
	if q.current != nil {
		q.current.timer.Stop()
		if q.current.stopDuck != nil {
			q.current.stopDuck()
		}
		_, _ = q.n.tracker.End(q.current.timelineID, timeline.StatusCancelled, nil)
		q.current = nil
	}
	if q.repeatTimer != nil {
		q.repeatTimer.Stop()
	}
	if q.triggerTimer != nil {
		q.triggerTimer.Stop()
	}
	for _, eventID := range q.scheduled {
		_, _ = q.n.tracker.End(eventID, timeline.StatusCancelled, nil)
	}
	q.n.speaking.Store(false)
}

// runEnvelope schedules sampled volume commands against the start of a voice
// item.
func (n *Narrator) runEnvelope(ctx context.Context, speech time.Duration) {
	start := time.Now()
	for _, step := range n.envelope.Steps(speech, n.tickRate) {
		if wait := time.Until(start.Add(step.At)); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return
		}
		if err := n.mixer.Send(mixer.SetVolume(n.musicLane, step.Volume)); err != nil {
			logger.Debug("volume step dropped", "phase", step.Phase, "error", err)
		}
	}
}

func spokenText(block blocks.Block) string {
	switch block.Tier {
	case blocks.TierEarcon:
		return ""
	case blocks.TierSummary:
		if block.Summary != "" {
			return block.Summary
		}
	}
	return block.Content
}

func voiceTitle(block blocks.Block) string {
	if block.Tier == blocks.TierEarcon {
		return fmt.Sprintf("%s earcon", block.Type)
	}
	return fmt.Sprintf("%s (%s)", block.Type, block.Priority)
}
