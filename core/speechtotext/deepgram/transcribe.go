package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultListenURL = "wss://api.deepgram.com/v1/listen"
	chunkDuration    = 100 * time.Millisecond
	// Deepgram answers CloseStream with a final Metadata message.
	typeMetadataResponse = "Metadata"
)

type TranscriptionClient struct {
	apiKey    string
	listenURL string
	model     string
}

type ClientOption func(*TranscriptionClient)

func WithAPIKey(apiKey string) ClientOption {
	return func(c *TranscriptionClient) { c.apiKey = apiKey }
}

func WithListenURL(listenURL string) ClientOption {
	return func(c *TranscriptionClient) { c.listenURL = listenURL }
}

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) { c.model = model }
}

func NewTranscriptionClient(opts ...ClientOption) (*TranscriptionClient, error) {
	c := &TranscriptionClient{listenURL: defaultListenURL, model: "nova-3"}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
		if !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
		c.apiKey = apiKey
	}
	return c, nil
}

// TranscribeClip streams a recorded clip and returns the joined final
// transcript once Deepgram has processed all of it.
func (c *TranscriptionClient) TranscribeClip(ctx context.Context, clip []byte, opts ...speechtotext.TranscriptionOption) (string, error) {
	ctx, span := tracer.Start(ctx, "transcribe clip")
	defer span.End()

	options := speechtotext.TranscriptionOptions{
		EncodingInfo: audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingLinear16},
		Language:     "en-US",
	}
	for _, opt := range opts {
		opt(&options)
	}

	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return "", fmt.Errorf("invalid encoding: %w", err)
	}
	span.SetAttributes(
		attribute.Int("stt.clip_bytes", len(clip)),
		attribute.String("stt.encoding", encoding.Format.Name()),
	)

	conn, err := c.connectWebsocket(ctx, connectionOptions{
		sampleRate: encoding.SampleRate,
		encoding:   encoding.Format.Name(),
		language:   options.Language,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to connect")
		return "", fmt.Errorf("failed to open websocket: %w", err)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()
	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- sendClip(conn, clip, options.EncodingInfo)
	}()

	transcript, err := readTranscript(conn, options)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return "", err
	}
	if err := <-writeErr; err != nil {
		return "", err
	}
	if transcript == "" {
		return "", speechtotext.ErrNoSpeech
	}
	return transcript, nil
}

type connectionOptions struct {
	sampleRate int
	encoding   string
	language   string
}

func (c *TranscriptionClient) connectWebsocket(ctx context.Context, options connectionOptions) (*websocket.Conn, error) {
	listenUrl, err := url.Parse(c.listenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", options.encoding)
	queryParams.Set("sample_rate", strconv.Itoa(options.sampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("language", options.language)
	queryParams.Set("smart_format", "true")
	listenUrl.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, listenUrl.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

func sendClip(conn *websocket.Conn, clip []byte, encoding audio.EncodingInfo) error {
	chunkSize := int(int64(encoding.BytesPerSecond()) * int64(chunkDuration) / int64(time.Second))
	if chunkSize <= 0 {
		chunkSize = 3200
	}
	for start := 0; start < len(clip); start += chunkSize {
		end := min(start+chunkSize, len(clip))
		if err := conn.WriteMessage(websocket.BinaryMessage, clip[start:end]); err != nil {
			return fmt.Errorf("failed to write to deepgram client: %w", err)
		}
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

func readTranscript(conn *websocket.Conn, options speechtotext.TranscriptionOptions) (string, error) {
	var segments []string
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return strings.Join(segments, " "), nil
			}
			return "", fmt.Errorf("failed to read deepgram websocket message: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		segment, done, err := processMessage(msg)
		if err != nil {
			if done {
				return "", err
			}
			logger.Warn("failed to process deepgram message", "error", err)
			continue
		}
		if segment != "" {
			segments = append(segments, segment)
			if options.PartialTranscriptionCallback != nil {
				options.PartialTranscriptionCallback(segment)
			}
		}
		if done {
			return strings.Join(segments, " "), nil
		}
	}
}

// processMessage returns the finalized segment carried by msg, if any, and
// whether the stream is complete.
func processMessage(msg []byte) (string, bool, error) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		return "", false, err
	}

	switch parsedMsg.Type {
	case string(api.TypeMessageResponse):
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			return "", false, err
		}
		if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
			return "", false, nil
		}
		return strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript), false, nil
	case typeMetadataResponse:
		return "", true, nil
	case "Error":
		var errResp struct {
			Description string `json:"description"`
		}
		_ = json.Unmarshal(msg, &errResp)
		return "", true, errors.New("deepgram error: " + errResp.Description)
	}
	return "", false, nil
}
