package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Synthesize speaks text over a fresh websocket and caches the result. The
// socket is closed as soon as Deepgram confirms the flush or ctx is done.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) (texttospeech.Speech, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return texttospeech.Speech{}, texttospeech.ErrEmptyText
	}

	options := texttospeech.ApplyOptions(opts...)
	voice := c.voice
	if options.Voice != "" {
		voice = deepgramVoice(options.Voice)
	}
	if options.FileName == "" {
		options.FileName = uuid.NewString() + ".wav"
	}
	span.SetAttributes(
		attribute.String("tts.voice", string(voice)),
		attribute.Int("tts.text_length", len(text)),
	)

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	samples, err := c.speak(ctx, voice, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "speech synthesis failed")
		return texttospeech.Speech{}, err
	}

	path, err := audio.WriteWAVFile(c.cacheDir, options.FileName, c.encodingInfo, samples)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to cache speech")
		return texttospeech.Speech{}, err
	}

	speech := texttospeech.Speech{Path: path, Duration: c.encodingInfo.Duration(len(samples))}
	span.SetAttributes(attribute.Float64("tts.duration_seconds", speech.Duration.Seconds()))
	return speech, nil
}

func (c *TextToSpeechClient) speak(ctx context.Context, voice deepgramVoice, text string) ([]byte, error) {
	conn, err := c.connectWebsocket(ctx, voice)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }
	defer closeConn()

	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	if err := conn.WriteJSON(speakMsg{Type: "Speak", Text: text}); err != nil {
		return nil, fmt.Errorf("failed to send text to deepgram: %w", err)
	}
	if err := conn.WriteJSON(flushMsg); err != nil {
		return nil, fmt.Errorf("failed to flush deepgram buffer: %w", err)
	}

	var samples []byte
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("deepgram websocket read failed: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			samples = append(samples, msg...)
		case websocket.TextMessage:
			var parsedMsg struct {
				Type    string `json:"type"`
				Message string `json:"description"`
			}
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.Debug("ignoring unparsable deepgram message", "error", err)
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				_ = conn.WriteJSON(closeMsg)
				if len(samples) == 0 {
					return nil, errors.New("deepgram returned no audio")
				}
				return samples, nil
			case "Warning":
				logger.Warn("deepgram warning", "message", parsedMsg.Message)
			case "Error":
				return nil, fmt.Errorf("deepgram error: %s", parsedMsg.Message)
			}
		}
	}
}

func (c *TextToSpeechClient) connectWebsocket(ctx context.Context, voice deepgramVoice) (*websocket.Conn, error) {
	speakURL, err := url.Parse(c.speakURL)
	if err != nil {
		return nil, fmt.Errorf("invalid speak url: %w", err)
	}

	urlValues := url.Values{}
	urlValues.Set("encoding", c.encodingInfo.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(c.encodingInfo.SampleRate))
	urlValues.Set("model", string(voice))
	urlValues.Set("container", "none")
	speakURL.RawQuery = urlValues.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, speakURL.String(),
		http.Header{"Authorization": {"token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

type websocketMessage struct {
	Type string `json:"type"`
}

type speakMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	closeMsg = websocketMessage{Type: "Close"}
)
