package main

import (
	"fmt"
	"log/slog"

	narration "github.com/koscakluka/ema-narrator/core"
	"github.com/koscakluka/ema-narrator/core/adapters/redisstream"
	"github.com/koscakluka/ema-narrator/core/adapters/webhook"
	"github.com/koscakluka/ema-narrator/core/ingress"
	"github.com/koscakluka/ema-narrator/core/llms/groq"
	sttdeepgram "github.com/koscakluka/ema-narrator/core/speechtotext/deepgram"
	ttsdeepgram "github.com/koscakluka/ema-narrator/core/texttospeech/deepgram"
	"github.com/koscakluka/ema-narrator/core/texttospeech/httptts"
	"github.com/koscakluka/ema-narrator/internal/config"
	"github.com/redis/go-redis/v9"
)

func newRegistry(cfg config.Config) *narration.Registry {
	opts := []narration.RegistryOption{
		narration.WithResponseTTL(cfg.Narration.ResponseTTL),
		narration.WithRedeliveryBackoff(cfg.Narration.RedeliveryInitial, cfg.Narration.RedeliveryMax),
	}
	if cfg.Narration.RequireRegistration {
		opts = append(opts, narration.WithRequireRegistration())
	}
	return narration.NewRegistry(opts...)
}

// registerSources binds every configured source to its response adapter.
// Sources without an adapter are still registered so they pass the
// registration check.
func registerSources(cfg config.Config, registry *narration.Registry, client redis.UniversalClient) error {
	var producer *redisstream.Producer
	if client != nil {
		producer = redisstream.NewProducer(client, cfg.Redis.ResponsePrefix)
	}

	for _, source := range cfg.Sources {
		switch source.Adapter.Type {
		case "webhook":
			adapter, err := webhook.New(source.Adapter.URL, webhook.WithSecret(secret(source.Adapter.SecretEnv)))
			if err != nil {
				return fmt.Errorf("source %q: %w", source.ID, err)
			}
			registry.Register(source.ID, adapter)
		case "redis":
			if producer == nil {
				return fmt.Errorf("source %q: redis adapter needs a redis connection", source.ID)
			}
			registry.Register(source.ID, producer)
		default:
			registry.Register(source.ID, nil)
		}
		slog.Debug("registered source", "source_id", source.ID, "adapter", source.Adapter.Type)
	}
	return nil
}

func newValidator(cfg config.Config, registry *narration.Registry) *ingress.Validator {
	opts := []ingress.Option{ingress.WithSourceCheck(registry.Known)}
	if len(cfg.Ingress.EventTypes) > 0 {
		opts = append(opts, ingress.WithEventTypes(cfg.Ingress.EventTypes...))
	}
	for _, source := range cfg.Sources {
		if len(source.EventTypes) > 0 {
			opts = append(opts, ingress.WithSourceEventTypes(source.ID, source.EventTypes...))
		}
	}
	return ingress.NewValidator(opts...)
}

// narratorOptions covers everything that only depends on the config.
func narratorOptions(cfg config.Config) ([]narration.NarratorOption, error) {
	opts := []narration.NarratorOption{
		narration.WithLookahead(cfg.Narration.Lookahead),
		narration.WithMaxConcurrentGenerations(cfg.Narration.MaxConcurrentGenerations),
		narration.WithGenerationTimeout(cfg.Narration.GenerationTimeout),
		narration.WithBlockingRepeatTimeout(cfg.Narration.BlockingRepeatTimeout),
		narration.WithMaxBacklog(cfg.Narration.MaxBacklog),
		narration.WithEarconDuration(cfg.Narration.EarconDuration),
		narration.WithEnvelope(cfg.Ducking.Envelope()),
		narration.WithDuckingMode(narration.DuckingMode(cfg.Ducking.Mode)),
		narration.WithTickRate(cfg.Ducking.TickRate),
		narration.WithCrossfadeDuration(cfg.Ducking.Crossfade()),
		narration.WithLanes(cfg.Mixer.MusicLane, cfg.Mixer.VoiceLane, cfg.Mixer.EarconLane),
		narration.WithEarcons(narration.EarconCatalog{
			Files:       cfg.Earcons.Files,
			ByEventType: cfg.Earcons.ByEventType,
			BySource:    cfg.Earcons.BySource,
			Default:     cfg.Earcons.Default,
		}),
		narration.WithChattinessPolicy(narration.NewSlidingWindowPolicy(
			cfg.Chattiness.Window,
			cfg.Chattiness.SummaryThreshold,
			cfg.Chattiness.EarconThreshold,
		)),
	}
	if cfg.Ingress.RatePerSecond > 0 {
		opts = append(opts, narration.WithLimiter(ingress.NewLimiter(cfg.Ingress.RatePerSecond, cfg.Ingress.Burst)))
	}

	switch cfg.TTS.Provider {
	case "deepgram":
		ttsOpts := []ttsdeepgram.ClientOption{ttsdeepgram.WithTimeout(cfg.TTS.Timeout)}
		if cfg.TTS.Voice != "" {
			ttsOpts = append(ttsOpts, ttsdeepgram.WithVoice(cfg.TTS.Voice))
		}
		if cfg.TTS.Endpoint != "" {
			ttsOpts = append(ttsOpts, ttsdeepgram.WithSpeakURL(cfg.TTS.Endpoint))
		}
		client, err := ttsdeepgram.NewTextToSpeechClient(cfg.TTS.CacheDir, ttsOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepgram synthesizer: %w", err)
		}
		opts = append(opts, narration.WithSynthesizer(client))
	case "http":
		client, err := httptts.NewClient(cfg.TTS.Endpoint, cfg.TTS.CacheDir,
			httptts.WithSpeaker(cfg.TTS.Speaker),
			httptts.WithLanguage(cfg.TTS.Language),
			httptts.WithInstruct(cfg.TTS.Instruct),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create http synthesizer: %w", err)
		}
		opts = append(opts, narration.WithSynthesizer(client))
	default:
		slog.Warn("no synthesizer configured, every block will fall back to an earcon")
	}

	if cfg.LLM.Provider == "groq" {
		llmOpts := []groq.Option{}
		if cfg.LLM.Model != "" {
			llmOpts = append(llmOpts, groq.WithModel(cfg.LLM.Model))
		}
		client, err := groq.NewClient(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create groq summarizer: %w", err)
		}
		opts = append(opts, narration.WithSummarizer(client))
	}

	if cfg.STT.Provider == "deepgram" {
		sttOpts := []sttdeepgram.ClientOption{}
		if cfg.STT.Model != "" {
			sttOpts = append(sttOpts, sttdeepgram.WithModel(cfg.STT.Model))
		}
		client, err := sttdeepgram.NewTranscriptionClient(sttOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepgram transcriber: %w", err)
		}
		opts = append(opts, narration.WithTranscriber(client))
	}

	return opts, nil
}
