package narration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/distribution"
	"github.com/koscakluka/ema-narrator/core/ducking"
	"github.com/koscakluka/ema-narrator/core/events"
	"github.com/koscakluka/ema-narrator/core/ingress"
	"github.com/koscakluka/ema-narrator/core/llms"
	"github.com/koscakluka/ema-narrator/core/mixer"
	"github.com/koscakluka/ema-narrator/core/speechtotext"
	"github.com/koscakluka/ema-narrator/core/texttospeech"
	"github.com/koscakluka/ema-narrator/core/timeline"
	"github.com/koscakluka/ema-narrator/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Narrator turns source events into blocks and drives them through
// generation and playback. Blocks live in the store; observers follow them
// on the bus.
type Narrator struct {
	store     *blocks.Store
	bus       *distribution.Bus
	tracker   *timeline.Tracker
	registry  *Registry
	validator *ingress.Validator
	limiter   *ingress.Limiter
	policy    ChattinessPolicy
	earcons   EarconCatalog

	mixer       Mixer
	synthesizer texttospeech.Synthesizer
	summarizer  llms.Summarizer
	transcriber speechtotext.Transcriber

	lookahead                int
	maxConcurrentGenerations int
	generationTimeout        time.Duration
	blockingRepeatTimeout    time.Duration
	maxBacklog               int
	earconDuration           time.Duration
	envelope                 ducking.Envelope
	duckingMode              DuckingMode
	tickRate                 int
	crossfade                time.Duration
	musicLane                string
	voiceLane                string
	earconLane               string

	emit    eventEmitter
	onEvent func(events.Event)

	generationSignal chan struct{}
	playbackSignal   chan struct{}

	generationMu      sync.Mutex
	inflight          map[int64]context.CancelFunc
	generations       sync.WaitGroup
	activeGenerations atomic.Int32

	musicMu sync.Mutex
	stateMu  sync.Mutex
	music    musicState
	trackSeq uint64
	outage   int64

	speaking atomic.Bool
	running  atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}

	ingested metric.Int64Counter
}

type musicState struct {
	active     bool
	seq        uint64
	title      string
	artist     string
	startedAt  time.Time
	duration   time.Duration
	timelineID int64
}

// NowPlaying is what the mixer engine reports when a track starts.
type NowPlaying struct {
	Title    string
	Artist   string
	Duration time.Duration
}

// Receipt tells the caller which block an accepted event maps to.
type Receipt struct {
	BlockID   int64
	Duplicate bool
}

func NewNarrator(opts ...NarratorOption) *Narrator {
	n := &Narrator{
		policy:                   ChattinessPolicyFunc(fullTier),
		lookahead:                DefaultLookahead,
		maxConcurrentGenerations: DefaultMaxConcurrentGenerations,
		generationTimeout:        DefaultGenerationTimeout,
		blockingRepeatTimeout:    DefaultBlockingRepeatTimeout,
		earconDuration:           DefaultEarconDuration,
		envelope:                 ducking.DefaultEnvelope(),
		duckingMode:              DuckingSampled,
		tickRate:                 DefaultTickRate,
		crossfade:                DefaultCrossfadeDuration,
		musicLane:                DefaultMusicLane,
		voiceLane:                DefaultVoiceLane,
		earconLane:               DefaultEarconLane,
		generationSignal:         make(chan struct{}, 1),
		playbackSignal:           make(chan struct{}, 1),
		inflight:                 map[int64]context.CancelFunc{},
		closed:                   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	if n.store == nil {
		n.store = blocks.NewStore()
	}
	if n.tracker == nil {
		n.tracker = timeline.NewTracker()
	}
	if n.registry == nil {
		n.registry = NewRegistry()
	}
	if n.bus == nil {
		n.bus = distribution.NewBus(distribution.WithHeartbeat(distribution.DefaultHeartbeatInterval, n.PlaybackState))
	}
	if n.validator == nil {
		n.validator = ingress.NewValidator(ingress.WithSourceCheck(n.registry.Known))
	}
	if n.mixer == nil {
		n.mixer = discardMixer{}
	}

	n.emit = n.newBusEventEmitter()
	n.store.AddHook(n.onBlockChange)
	n.tracker.AddHook(n.onTimelineChange)

	n.ingested, _ = meter.Int64Counter("narrator.blocks.created",
		metric.WithDescription("Blocks created from source events"))
	return n
}

func fullTier(_ time.Time, priority blocks.Priority) blocks.Tier {
	if priority == blocks.PrioritySilent {
		return blocks.TierEarcon
	}
	return blocks.TierFull
}

func (n *Narrator) Store() *blocks.Store                  { return n.store }
func (n *Narrator) Bus() *distribution.Bus                { return n.bus }
func (n *Narrator) Tracker() *timeline.Tracker            { return n.tracker }
func (n *Narrator) Registry() *Registry                   { return n.registry }
func (n *Narrator) Envelope() ducking.Envelope            { return n.envelope }
func (n *Narrator) Transcriber() speechtotext.Transcriber { return n.transcriber }

// Run drives generation, playback, response routing and bus heartbeats until
// ctx is done or the narrator is closed.
func (n *Narrator) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return fmt.Errorf("narrator already running")
	}
	defer n.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if n.duckingMode == DuckingNative {
		n.pushNativeEnvelope()
	}

	workers := []workerRun{
		panicSafeNamedWorker("generation", n.runGeneration),
		panicSafeNamedWorker("playback", n.runPlayback),
		panicSafeNamedWorker("routing", n.runRouting),
		panicSafeNamedWorker("heartbeat", n.bus.Run),
	}

	var workerErr error
	var workerErrMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(workers))
	for _, worker := range workers {
		go func() {
			defer wg.Done()
			if err := worker(ctx); err != nil {
				workerErrMu.Lock()
				workerErr = errors.Join(workerErr, err)
				workerErrMu.Unlock()
				cancel()
			}
		}()
	}
	wg.Wait()

	if workerErr != nil {
		return fmt.Errorf("one or more narrator workers failed: %w", workerErr)
	}
	return nil
}

// Close stops accepting events, ends Run and closes the bus.
func (n *Narrator) Close() {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.cancelGenerations()
		n.bus.Close()
	})
}

func (n *Narrator) isClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

// Ingest accepts an event and returns its block id. It never waits for
// synthesis or playback.
func (n *Narrator) Ingest(ctx context.Context, event blocks.SourceEvent) (int64, error) {
	receipt, err := n.Submit(ctx, event)
	return receipt.BlockID, err
}

// Submit is Ingest that also reports whether the event was a redelivery.
func (n *Narrator) Submit(ctx context.Context, event blocks.SourceEvent) (Receipt, error) {
	_, span := tracer.Start(ctx, "ingest event")
	defer span.End()

	if n.isClosed() {
		return Receipt{}, ErrClosed
	}

	normalized, err := n.validator.Normalize(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return Receipt{}, err
	}
	span.SetAttributes(
		attribute.String("source.id", normalized.SourceID),
		attribute.String("event.type", normalized.EventType),
		attribute.String("event.priority", string(normalized.Priority)),
	)

	if existing, ok := n.store.Find(normalized.SourceID, normalized.EventID); ok {
		span.SetAttributes(attribute.Int64("block.id", existing.ID), attribute.Bool("event.duplicate", true))
		return Receipt{BlockID: existing.ID, Duplicate: true}, nil
	}
	if !n.limiter.Allow(normalized.SourceID) {
		span.SetStatus(codes.Error, "rate limited")
		return Receipt{}, fmt.Errorf("%w: %s", ingress.ErrRateLimited, normalized.SourceID)
	}
	n.registry.MarkConnected(normalized.SourceID)

	tier := n.policy.Tier(time.Now(), normalized.Priority)
	block, created := n.store.Create(normalized, n.earcons.Resolve(normalized), tier)
	span.SetAttributes(attribute.Int64("block.id", block.ID), attribute.String("block.tier", string(block.Tier)))
	if !created {
		return Receipt{BlockID: block.ID, Duplicate: true}, nil
	}

	n.ingested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", string(block.Priority)),
		attribute.String("tier", string(block.Tier)),
	))
	n.emit(events.NewBlockCreated(block.ID, block.SourceID, string(block.Priority)))
	n.signalGeneration()
	return Receipt{BlockID: block.ID}, nil
}

// Skip takes a block off the air. A playing block is flushed from the
// mixer; a block still generating has its synthesis abandoned.
func (n *Narrator) Skip(ctx context.Context, blockID int64) (blocks.Block, error) {
	_, span := tracer.Start(ctx, "skip block", trace.WithAttributes(attribute.Int64("block.id", blockID)))
	defer span.End()

	block, err := n.store.Mark(blockID, blocks.StatusSkipped, blocks.Update{Reason: utils.Ptr("user")})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "skip failed")
		return block, err
	}
	n.emit(events.NewBlockSkipped(blockID, "user"))
	return block, nil
}

// SetMusic records the track the mixer engine just started. While music is
// active voice items duck it. The previous track, if any, ends as it
// crossfades into this one.
func (n *Narrator) SetMusic(track NowPlaying) {
	n.musicMu.Lock()
	defer n.musicMu.Unlock()

	n.stateMu.Lock()
	previous := n.music
	n.stateMu.Unlock()
	if previous.timelineID != 0 {
		_, _ = n.tracker.End(previous.timelineID, timeline.StatusCompleted, map[string]any{"crossfade_seconds": n.crossfade.Seconds()})
	}

	details := map[string]any{"artist": track.Artist, "duration_seconds": track.Duration.Seconds()}
	event := n.tracker.Start(timeline.LaneMusic, "track", track.Title, details)

	n.stateMu.Lock()
	n.trackSeq++
	n.music = musicState{
		active:     true,
		seq:        n.trackSeq,
		title:      track.Title,
		artist:     track.Artist,
		startedAt:  event.StartedAt,
		duration:   track.Duration,
		timelineID: event.ID,
	}
	n.stateMu.Unlock()
	logger.Info("music playing", "title", track.Title, "artist", track.Artist)
	n.signalPlayback()
}

// MusicStopped marks music inactive; ducking pauses until the next track.
func (n *Narrator) MusicStopped() {
	n.musicMu.Lock()
	defer n.musicMu.Unlock()

	n.stateMu.Lock()
	previous := n.music
	n.trackSeq++
	n.music = musicState{seq: n.trackSeq}
	n.stateMu.Unlock()

	if previous.timelineID != 0 {
		_, _ = n.tracker.End(previous.timelineID, timeline.StatusCompleted, nil)
	}
	n.signalPlayback()
}

func (n *Narrator) MusicActive() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.music.active
}

// PlaybackState feeds bus heartbeats.
func (n *Narrator) PlaybackState() distribution.PlaybackState {
	now := time.Now()
	n.stateMu.Lock()
	music := n.music
	n.stateMu.Unlock()

	state := distribution.PlaybackState{
		ServerTime:        now,
		CrossfadeDuration: n.crossfade.Seconds(),
		MusicActive:       music.active,
		Speaking:          n.speaking.Load(),
	}
	if music.active {
		elapsed := now.Sub(music.startedAt)
		state.Elapsed = elapsed.Seconds()
		state.Track = music.title
		if music.duration > 0 {
			state.Remaining = max(0, (music.duration - elapsed).Seconds())
		}
	}
	return state
}

// HandleMixerUnavailable is wired to the mixer client's unavailable
// callback. It is called once per disconnect.
func (n *Narrator) HandleMixerUnavailable(address string, err error) {
	details := map[string]any{"address": address}
	if err != nil {
		details["error"] = err.Error()
	}
	event := n.tracker.Start(timeline.LaneSystem, "mixer_unavailable", "Mixer unavailable", details)

	n.stateMu.Lock()
	n.outage = event.ID
	n.stateMu.Unlock()

	n.emit(events.NewMixerUnavailable(address, err))
}

// HandleMixerRecovered is wired to the mixer client's recovered callback.
func (n *Narrator) HandleMixerRecovered(address string, flushed, dropped int) {
	n.stateMu.Lock()
	outage := n.outage
	n.outage = 0
	n.stateMu.Unlock()

	if outage != 0 {
		_, _ = n.tracker.End(outage, timeline.StatusCompleted, map[string]any{"flushed": flushed, "dropped": dropped})
	}
	if n.duckingMode == DuckingNative {
		n.pushNativeEnvelope()
	}
	n.emit(events.NewMixerRecovered(address, flushed, dropped))
}

func (n *Narrator) pushNativeEnvelope() {
	for _, cmd := range []mixer.Command{
		mixer.SetVar("duck_amount", n.envelope.Amount),
		mixer.SetVar("duck_in_duration", n.envelope.DuckIn.Seconds()),
		mixer.SetVar("duck_out_duration", n.envelope.DuckOut.Seconds()),
		mixer.SetVar("duck_in_curve", n.envelope.DuckInCurve),
		mixer.SetVar("duck_out_curve", n.envelope.DuckOutCurve),
		mixer.SetVar("crossfade_duration", n.crossfade.Seconds()),
	} {
		if err := n.mixer.Send(cmd); err != nil {
			logger.Warn("failed to push ducking envelope", "command", cmd.String(), "error", err)
		}
	}
}

// onBlockChange runs under the store lock for every committed block
// mutation; it must not call back into the store.
func (n *Narrator) onBlockChange(change blocks.Change) {
	block := change.Block
	update := distribution.Update{
		Entity: distribution.EntityBlock,
		Action: distribution.ActionUpdate,
		ID:     block.ID,
		Kind:   string(block.Status),
		Fields: blockFields(block, change.Fields),
		Value:  block,
	}
	switch {
	case change.Created:
		update.Action = distribution.ActionStart
		update.Fields = map[string]any{
			"status":    block.Status,
			"source_id": block.SourceID,
			"type":      block.Type,
			"priority":  block.Priority,
			"tier":      block.Tier,
		}
	case block.Status.Terminal() && change.Previous != block.Status:
		update.Action = distribution.ActionEnd
	}
	n.bus.Publish(update)

	if block.Status == blocks.StatusSkipped || block.Status == blocks.StatusFailed {
		n.cancelGeneration(block.ID)
	}
	n.signalGeneration()
	n.signalPlayback()
}

func blockFields(block blocks.Block, names []string) map[string]any {
	fields := make(map[string]any, len(names))
	for _, name := range names {
		switch name {
		case "status":
			fields[name] = block.Status
		case "tier":
			fields[name] = block.Tier
		case "tts_full":
			fields[name] = block.TTSFull
		case "tts_summary":
			fields[name] = block.TTSSummary
		case "played":
			fields[name] = block.Played
		case "answered":
			fields[name] = block.Answered
		case "response":
			fields[name] = block.Response
		case "reason":
			fields[name] = block.Reason
		}
	}
	return fields
}

func (n *Narrator) onTimelineChange(change timeline.Change) {
	event := change.Event
	update := distribution.Update{
		Entity: distribution.EntityTimeline,
		ID:     event.ID,
		Kind:   event.EventType,
		Value:  event,
	}
	switch change.Action {
	case timeline.ActionStart:
		update.Action = distribution.ActionStart
		update.Fields = map[string]any{
			"lane":       event.Lane,
			"event_type": event.EventType,
			"title":      event.Title,
			"status":     event.Status,
			"started_at": event.StartedAt,
		}
	case timeline.ActionEnd:
		update.Action = distribution.ActionEnd
	default:
		update.Action = distribution.ActionUpdate
	}
	if update.Fields == nil {
		update.Fields = map[string]any{}
		for _, name := range change.Fields {
			switch name {
			case "status":
				update.Fields[name] = event.Status
			case "started_at":
				update.Fields[name] = event.StartedAt
			case "ended_at":
				update.Fields[name] = event.EndedAt
			case "details":
				update.Fields[name] = event.Details
			}
		}
	}
	n.bus.Publish(update)
}

func (n *Narrator) signalGeneration() {
	select {
	case n.generationSignal <- struct{}{}:
	default:
	}
}

func (n *Narrator) signalPlayback() {
	select {
	case n.playbackSignal <- struct{}{}:
	default:
	}
}

type discardMixer struct{}

func (discardMixer) Send(cmd mixer.Command) error {
	logger.Debug("no mixer configured, dropping command", "command", cmd.String())
	return nil
}
