// Package config loads the station configuration. Values come from a YAML
// file, then defaults, then environment overrides. API keys are never read
// from the file; the provider clients take them from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/koscakluka/ema-narrator/core/ducking"
	"github.com/koscakluka/ema-narrator/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath       = "station.yaml"
	DefaultListenAddr = ":8700"

	minEnvelopeSeconds  = 0.05
	maxEnvelopeSeconds  = 5
	minCrossfadeSeconds = 1
	maxCrossfadeSeconds = 15
)

type Config struct {
	ListenAddr   string             `yaml:"listen_addr"`
	Station      StationConfig      `yaml:"station"`
	Narration    NarrationConfig    `yaml:"narration"`
	Chattiness   ChattinessConfig   `yaml:"chattiness"`
	Ducking      DuckingConfig      `yaml:"ducking"`
	Mixer        MixerConfig        `yaml:"mixer"`
	Earcons      EarconConfig       `yaml:"earcons"`
	Ingress      IngressConfig      `yaml:"ingress"`
	Sources      []SourceConfig     `yaml:"sources"`
	TTS          TTSConfig          `yaml:"tts"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	Redis        RedisConfig        `yaml:"redis"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Distribution DistributionConfig `yaml:"distribution"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

type StationConfig struct {
	Name string `yaml:"name"`
}

type NarrationConfig struct {
	Lookahead                int           `yaml:"lookahead"`
	MaxConcurrentGenerations int           `yaml:"max_concurrent_generations"`
	GenerationTimeout        time.Duration `yaml:"generation_timeout"`
	BlockingRepeatTimeout    time.Duration `yaml:"blocking_repeat_timeout"`
	MaxBacklog               int           `yaml:"max_backlog"`
	EarconDuration           time.Duration `yaml:"earcon_duration"`
	ResponseTTL              time.Duration `yaml:"response_ttl"`
	RedeliveryInitial        time.Duration `yaml:"redelivery_initial"`
	RedeliveryMax            time.Duration `yaml:"redelivery_max"`
	RequireRegistration      bool          `yaml:"require_registration"`
}

type ChattinessConfig struct {
	Window           time.Duration `yaml:"window"`
	SummaryThreshold int           `yaml:"summary_threshold"`
	EarconThreshold  int           `yaml:"earcon_threshold"`
}

// DuckingConfig durations are in seconds, as the mixer engine takes them.
type DuckingConfig struct {
	Mode              string   `yaml:"mode"`
	TickRate          int      `yaml:"tick_rate"`
	DuckAmount        *float64 `yaml:"duck_amount"`
	DuckInDuration    float64  `yaml:"duck_in_duration"`
	DuckOutDuration   float64  `yaml:"duck_out_duration"`
	DuckInCurve       *float64 `yaml:"duck_in_curve"`
	DuckOutCurve      *float64 `yaml:"duck_out_curve"`
	CrossfadeDuration float64  `yaml:"crossfade_duration"`
}

type MixerConfig struct {
	Address    string `yaml:"address"`
	BufferSize int    `yaml:"buffer_size"`
	// PathMappings rewrites local path prefixes to where the mixer engine
	// sees the same files.
	PathMappings map[string]string `yaml:"path_mappings"`
	MusicLane    string            `yaml:"music_lane"`
	VoiceLane    string            `yaml:"voice_lane"`
	EarconLane   string            `yaml:"earcon_lane"`
}

type EarconConfig struct {
	Files       map[string]string            `yaml:"files"`
	ByEventType map[string]string            `yaml:"by_event_type"`
	BySource    map[string]map[string]string `yaml:"by_source"`
	Default     string                       `yaml:"default"`
}

type IngressConfig struct {
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
	EventTypes    []string `yaml:"event_types"`
}

type SourceConfig struct {
	ID         string        `yaml:"id"`
	EventTypes []string      `yaml:"event_types"`
	Adapter    AdapterConfig `yaml:"adapter"`
}

// AdapterConfig picks how responses reach a source: "webhook", "redis" or
// empty for sources that only send events.
type AdapterConfig struct {
	Type      string `yaml:"type"`
	URL       string `yaml:"url"`
	SecretEnv string `yaml:"secret_env"`
}

type TTSConfig struct {
	// Provider is "deepgram", "http" or "none".
	Provider string        `yaml:"provider"`
	CacheDir string        `yaml:"cache_dir"`
	Voice    string        `yaml:"voice"`
	Endpoint string        `yaml:"endpoint"`
	Speaker  string        `yaml:"speaker"`
	Language string        `yaml:"language"`
	Instruct string        `yaml:"instruct"`
	Timeout  time.Duration `yaml:"timeout"`
}

type STTConfig struct {
	// Provider is "deepgram" or "none".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type LLMConfig struct {
	// Provider is "groq" or "none".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Username       string `yaml:"username"`
	PasswordEnv    string `yaml:"password_env"`
	DB             int    `yaml:"db"`
	TLSEnabled     bool   `yaml:"tls_enabled"`
	TLSInsecure    bool   `yaml:"tls_insecure"`
	EventStream    string `yaml:"event_stream"`
	Group          string `yaml:"group"`
	Consumer       string `yaml:"consumer"`
	ResponsePrefix string `yaml:"response_prefix"`
}

type ArchiveConfig struct {
	Path string `yaml:"path"`
}

type DistributionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BufferSize        int           `yaml:"buffer_size"`
	MirrorLimit       int           `yaml:"mirror_limit"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// Load reads path, applies defaults and env overrides and validates the
// result. A missing file at the default path yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = DefaultPath
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Path returns the config path named by NARRATOR_CONFIG.
func Path() string {
	if path := os.Getenv("NARRATOR_CONFIG"); path != "" {
		return path
	}
	return DefaultPath
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Station.Name == "" {
		c.Station.Name = "ema"
	}

	n := &c.Narration
	if n.Lookahead == 0 {
		n.Lookahead = 3
	}
	if n.MaxConcurrentGenerations == 0 {
		n.MaxConcurrentGenerations = 1
	}
	if n.GenerationTimeout == 0 {
		n.GenerationTimeout = 20 * time.Second
	}
	if n.BlockingRepeatTimeout == 0 {
		n.BlockingRepeatTimeout = 30 * time.Second
	}
	if n.EarconDuration == 0 {
		n.EarconDuration = 500 * time.Millisecond
	}
	if n.ResponseTTL == 0 {
		n.ResponseTTL = 10 * time.Minute
	}
	if n.RedeliveryInitial == 0 {
		n.RedeliveryInitial = time.Second
	}
	if n.RedeliveryMax == 0 {
		n.RedeliveryMax = 30 * time.Second
	}

	if c.Chattiness.Window == 0 {
		c.Chattiness.Window = time.Minute
	}

	d := &c.Ducking
	if d.Mode == "" {
		d.Mode = "sampled"
	}
	if d.TickRate == 0 {
		d.TickRate = 20
	}
	if d.DuckAmount == nil {
		d.DuckAmount = utils.Ptr(0.15)
	}
	if d.DuckInDuration == 0 {
		d.DuckInDuration = 0.8
	}
	if d.DuckOutDuration == 0 {
		d.DuckOutDuration = 0.6
	}
	if d.DuckInCurve == nil {
		d.DuckInCurve = utils.Ptr(0.7)
	}
	if d.DuckOutCurve == nil {
		d.DuckOutCurve = utils.Ptr(0.3)
	}
	if d.CrossfadeDuration == 0 {
		d.CrossfadeDuration = 5
	}

	if c.Mixer.MusicLane == "" {
		c.Mixer.MusicLane = "music"
	}
	if c.Mixer.VoiceLane == "" {
		c.Mixer.VoiceLane = "tts"
	}
	if c.Mixer.EarconLane == "" {
		c.Mixer.EarconLane = "earcons"
	}

	if c.TTS.Provider == "" {
		c.TTS.Provider = "deepgram"
	}
	if c.TTS.CacheDir == "" {
		c.TTS.CacheDir = filepath.Join(os.TempDir(), "narrator-tts")
	}
	if c.TTS.Timeout == 0 {
		c.TTS.Timeout = 30 * time.Second
	}
	if c.STT.Provider == "" {
		c.STT.Provider = "none"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}

	if c.Distribution.HeartbeatInterval == 0 {
		c.Distribution.HeartbeatInterval = 3 * time.Second
	}

	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ema-narrator"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NARRATOR_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("NARRATOR_MIXER_ADDR"); v != "" {
		c.Mixer.Address = v
	}
	if v := os.Getenv("NARRATOR_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NARRATOR_ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
	}
	if v := os.Getenv("NARRATOR_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("NARRATOR_TELEMETRY_SAMPLE_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil {
			c.Telemetry.SampleRatio = ratio
		}
	}
}

// Validate rejects settings the narrator cannot run with. Envelope
// durations outside their supported range are clamped rather than rejected.
func (c *Config) Validate() error {
	var errs []error

	n := c.Narration
	if n.Lookahead < 1 {
		errs = append(errs, fmt.Errorf("narration.lookahead must be at least 1, got %d", n.Lookahead))
	}
	if n.MaxConcurrentGenerations < 1 {
		errs = append(errs, fmt.Errorf("narration.max_concurrent_generations must be at least 1, got %d", n.MaxConcurrentGenerations))
	}
	if n.MaxBacklog < 0 {
		errs = append(errs, fmt.Errorf("narration.max_backlog must not be negative, got %d", n.MaxBacklog))
	}

	ch := c.Chattiness
	if ch.SummaryThreshold < 0 || ch.EarconThreshold < 0 {
		errs = append(errs, errors.New("chattiness thresholds must not be negative"))
	}
	if ch.SummaryThreshold > 0 && ch.EarconThreshold > 0 && ch.EarconThreshold < ch.SummaryThreshold {
		errs = append(errs, fmt.Errorf("chattiness.earcon_threshold (%d) must not be below summary_threshold (%d)", ch.EarconThreshold, ch.SummaryThreshold))
	}

	d := &c.Ducking
	if d.Mode != "sampled" && d.Mode != "native" {
		errs = append(errs, fmt.Errorf("ducking.mode must be sampled or native, got %q", d.Mode))
	}
	if d.TickRate < 1 {
		errs = append(errs, fmt.Errorf("ducking.tick_rate must be at least 1, got %d", d.TickRate))
	}
	for name, v := range map[string]float64{"duck_amount": *d.DuckAmount, "duck_in_curve": *d.DuckInCurve, "duck_out_curve": *d.DuckOutCurve} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("ducking.%s must be in [0, 1], got %v", name, v))
		}
	}
	d.DuckInDuration = clamp(d.DuckInDuration, minEnvelopeSeconds, maxEnvelopeSeconds)
	d.DuckOutDuration = clamp(d.DuckOutDuration, minEnvelopeSeconds, maxEnvelopeSeconds)
	d.CrossfadeDuration = clamp(d.CrossfadeDuration, minCrossfadeSeconds, maxCrossfadeSeconds)

	switch c.TTS.Provider {
	case "deepgram", "none":
	case "http":
		if c.TTS.Endpoint == "" {
			errs = append(errs, errors.New("tts.endpoint is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tts.provider %q", c.TTS.Provider))
	}
	if c.STT.Provider != "deepgram" && c.STT.Provider != "none" {
		errs = append(errs, fmt.Errorf("unknown stt.provider %q", c.STT.Provider))
	}
	if c.LLM.Provider != "groq" && c.LLM.Provider != "none" {
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}

	seen := map[string]bool{}
	for i, source := range c.Sources {
		if source.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d].id is required", i))
			continue
		}
		if seen[source.ID] {
			errs = append(errs, fmt.Errorf("source %q is configured twice", source.ID))
		}
		seen[source.ID] = true

		switch source.Adapter.Type {
		case "":
		case "webhook":
			if source.Adapter.URL == "" {
				errs = append(errs, fmt.Errorf("source %q: webhook adapter needs a url", source.ID))
			}
		case "redis":
			if c.Redis.Addr == "" {
				errs = append(errs, fmt.Errorf("source %q: redis adapter needs redis.addr", source.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("source %q: unknown adapter type %q", source.ID, source.Adapter.Type))
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be in [0, 1], got %v", c.Telemetry.SampleRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (d DuckingConfig) Envelope() ducking.Envelope {
	return ducking.Envelope{
		Amount:       *d.DuckAmount,
		DuckIn:       Seconds(d.DuckInDuration),
		DuckOut:      Seconds(d.DuckOutDuration),
		DuckInCurve:  *d.DuckInCurve,
		DuckOutCurve: *d.DuckOutCurve,
	}
}

func (d DuckingConfig) Crossfade() time.Duration {
	return Seconds(d.CrossfadeDuration)
}

// Seconds converts a seconds setting to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
