// Package httptts talks to self-hosted speech servers that take a form POST
// and answer with a WAV file.
package httptts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/texttospeech"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxResponseSize = 64 << 20

type Client struct {
	endpoint   string
	cacheDir   string
	speaker    string
	language   string
	instruct   string
	httpClient *http.Client
}

type Option func(*Client)

func WithSpeaker(speaker string) Option {
	return func(c *Client) { c.speaker = speaker }
}

func WithLanguage(language string) Option {
	return func(c *Client) { c.language = language }
}

func WithInstruct(instruct string) Option {
	return func(c *Client) { c.instruct = instruct }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func NewClient(endpoint, cacheDir string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid tts endpoint: %w", err)
	}
	if cacheDir == "" {
		return nil, fmt.Errorf("audio cache dir is required")
	}

	c := &Client{
		endpoint: endpoint,
		cacheDir: cacheDir,
		language: "English",
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) (texttospeech.Speech, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return texttospeech.Speech{}, texttospeech.ErrEmptyText
	}

	options := texttospeech.SynthesisOptions{Voice: c.speaker, Language: c.language, Instruct: c.instruct}
	for _, opt := range opts {
		opt(&options)
	}
	if options.FileName == "" {
		options.FileName = uuid.NewString() + ".wav"
	}

	form := url.Values{}
	form.Set("text", text)
	form.Set("language", options.Language)
	if options.Voice != "" {
		form.Set("speaker", options.Voice)
	}
	if options.Instruct != "" {
		form.Set("instruct", options.Instruct)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return texttospeech.Speech{}, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	span.SetAttributes(attribute.String("request.url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tts request failed")
		return texttospeech.Speech{}, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		err = fmt.Errorf("error reading response body: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tts request failed")
		return texttospeech.Speech{}, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
		span.SetAttributes(attribute.String("response.error", string(body)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "tts request failed")
		return texttospeech.Speech{}, err
	}

	info, err := audio.ParseWAV(bytes.NewReader(body))
	if err != nil {
		err = fmt.Errorf("tts server returned unusable audio: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tts request failed")
		return texttospeech.Speech{}, err
	}

	path, err := c.store(options.FileName, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to cache speech")
		return texttospeech.Speech{}, err
	}

	logger.Debug("speech cached", "path", path, "duration", info.Duration)
	return texttospeech.Speech{Path: path, Duration: info.Duration}, nil
}

func (c *Client) store(name string, wav []byte) (string, error) {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create audio cache dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(c.cacheDir, name))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}
	return path, nil
}
