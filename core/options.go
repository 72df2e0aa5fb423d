package narration

import (
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
)

const (
	DefaultLookahead                = 3
	DefaultMaxConcurrentGenerations = 1
	DefaultGenerationTimeout        = 20 * time.Second
	DefaultBlockingRepeatTimeout    = 30 * time.Second
	DefaultEarconDuration           = 500 * time.Millisecond
	DefaultCrossfadeDuration        = 5 * time.Second
	DefaultTickRate                 = 20

	DefaultMusicLane  = "music"
	DefaultVoiceLane  = "tts"
	DefaultEarconLane = "earcons"
)

type DuckingMode string

const (
	// DuckingSampled sends set_volume commands at the tick rate.
	DuckingSampled DuckingMode = "sampled"
	// DuckingNative pushes the envelope once and lets the mixer duck itself.
	DuckingNative DuckingMode = "native"
)

type NarratorOption func(*Narrator)

// Mixer accepts fire-and-forget control commands. *mixer.Client implements
// it.
type Mixer interface {
	Send(cmd mixer.Command) error
}

func WithMixer(client Mixer) NarratorOption {
	return func(n *Narrator) {
		n.mixer = client
	}
}

func WithSynthesizer(client texttospeech.Synthesizer) NarratorOption {
	return func(n *Narrator) {
		n.synthesizer = client
	}
}

// WithSummarizer is used to shorten blocks assigned the summary tier that
// arrived without a summary.
func WithSummarizer(client llms.Summarizer) NarratorOption {
	return func(n *Narrator) {
		n.summarizer = client
	}
}

func WithTranscriber(client speechtotext.Transcriber) NarratorOption {
	return func(n *Narrator) {
		n.transcriber = client
	}
}

func WithStore(store *blocks.Store) NarratorOption {
	return func(n *Narrator) {
		n.store = store
	}
}

func WithBus(bus *distribution.Bus) NarratorOption {
	return func(n *Narrator) {
		n.bus = bus
	}
}

func WithTracker(tracker *timeline.Tracker) NarratorOption {
	return func(n *Narrator) {
		n.tracker = tracker
	}
}

func WithRegistry(registry *Registry) NarratorOption {
	return func(n *Narrator) {
		n.registry = registry
	}
}

func WithValidator(validator *ingress.Validator) NarratorOption {
	return func(n *Narrator) {
		n.validator = validator
	}
}

func WithLimiter(limiter *ingress.Limiter) NarratorOption {
	return func(n *Narrator) {
		n.limiter = limiter
	}
}

func WithChattinessPolicy(policy ChattinessPolicy) NarratorOption {
	return func(n *Narrator) {
		n.policy = policy
	}
}

func WithEarcons(catalog EarconCatalog) NarratorOption {
	return func(n *Narrator) {
		n.earcons = catalog
	}
}

// WithLookahead bounds how many blocks may be generating, ready or queued
// ahead of the playhead.
func WithLookahead(k int) NarratorOption {
	return func(n *Narrator) {
		if k > 0 {
			n.lookahead = k
		}
	}
}

func WithMaxConcurrentGenerations(limit int) NarratorOption {
	return func(n *Narrator) {
		if limit > 0 {
			n.maxConcurrentGenerations = limit
		}
	}
}

// WithGenerationTimeout bounds each synthesis attempt.
func WithGenerationTimeout(timeout time.Duration) NarratorOption {
	return func(n *Narrator) {
		if timeout > 0 {
			n.generationTimeout = timeout
		}
	}
}

func WithBlockingRepeatTimeout(timeout time.Duration) NarratorOption {
	return func(n *Narrator) {
		if timeout > 0 {
			n.blockingRepeatTimeout = timeout
		}
	}
}

// WithMaxBacklog supersedes the oldest unplayed non-blocking blocks once
// more than max of them are waiting. Zero keeps everything.
func WithMaxBacklog(max int) NarratorOption {
	return func(n *Narrator) {
		n.maxBacklog = max
	}
}

// WithEarconDuration is how long an earcon-only item occupies the voice
// schedule.
func WithEarconDuration(duration time.Duration) NarratorOption {
	return func(n *Narrator) {
		if duration >= 0 {
			n.earconDuration = duration
		}
	}
}

func WithEnvelope(envelope ducking.Envelope) NarratorOption {
	return func(n *Narrator) {
		n.envelope = envelope.Clamped()
	}
}

func WithDuckingMode(mode DuckingMode) NarratorOption {
	return func(n *Narrator) {
		if mode == DuckingSampled || mode == DuckingNative {
			n.duckingMode = mode
		}
	}
}

func WithTickRate(hz int) NarratorOption {
	return func(n *Narrator) {
		if hz > 0 {
			n.tickRate = hz
		}
	}
}

func WithCrossfadeDuration(duration time.Duration) NarratorOption {
	return func(n *Narrator) {
		n.crossfade = duration
	}
}

func WithLanes(music, voice, earcon string) NarratorOption {
	return func(n *Narrator) {
		if music != "" {
			n.musicLane = music
		}
		if voice != "" {
			n.voiceLane = voice
		}
		if earcon != "" {
			n.earconLane = earcon
		}
	}
}

// WithEventCallback receives every narration event after it was published.
func WithEventCallback(callback func(events.Event)) NarratorOption {
	return func(n *Narrator) {
		n.onEvent = callback
	}
}
