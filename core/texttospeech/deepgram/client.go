package deepgram

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/koscakluka/ema-narrator/core/audio"
)

const defaultSpeakURL = "wss://api.deepgram.com/v1/speak"

// TextToSpeechClient synthesizes text through the Deepgram speak websocket
// and writes each result into the audio cache as a WAV file.
type TextToSpeechClient struct {
	apiKey       string
	speakURL     string
	voice        deepgramVoice
	encodingInfo audio.EncodingInfo
	cacheDir     string
	timeout      time.Duration
}

type ClientOption func(*TextToSpeechClient) error

func WithAPIKey(apiKey string) ClientOption {
	return func(c *TextToSpeechClient) error {
		c.apiKey = apiKey
		return nil
	}
}

func WithVoice(voice string) ClientOption {
	return func(c *TextToSpeechClient) error {
		if !slices.Contains(GetAvailableVoices(), deepgramVoice(voice)) {
			return fmt.Errorf("invalid voice %q", voice)
		}
		c.voice = deepgramVoice(voice)
		return nil
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) ClientOption {
	return func(c *TextToSpeechClient) error {
		if encodingInfo.IsZero() {
			return fmt.Errorf("encoding info is incomplete")
		}
		c.encodingInfo = encodingInfo
		return nil
	}
}

// WithSpeakURL points the client at another speak endpoint.
func WithSpeakURL(speakURL string) ClientOption {
	return func(c *TextToSpeechClient) error {
		if _, err := url.Parse(speakURL); err != nil {
			return fmt.Errorf("invalid speak url: %w", err)
		}
		c.speakURL = speakURL
		return nil
	}
}

// WithTimeout bounds a single synthesis when the caller's context has no
// deadline of its own.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *TextToSpeechClient) error {
		c.timeout = timeout
		return nil
	}
}

func NewTextToSpeechClient(cacheDir string, opts ...ClientOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		speakURL:     defaultSpeakURL,
		voice:        defaultVoice,
		encodingInfo: audio.GetDefaultEncodingInfo(),
		cacheDir:     cacheDir,
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	if client.apiKey == "" {
		apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
		if !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
		client.apiKey = apiKey
	}
	if client.cacheDir == "" {
		return nil, fmt.Errorf("audio cache dir is required")
	}

	return client, nil
}

func (c *TextToSpeechClient) SetVoice(voice deepgramVoice) {
	c.voice = voice
}
