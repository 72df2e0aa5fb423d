package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/speechtotext"
)

func results(transcript string, final bool) map[string]any {
	return map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": transcript, "confidence": 0.9}},
		},
	}
}

func newListenServer(t *testing.T, replies []map[string]any) (string, *atomic.Int64) {
	t.Helper()
	var received atomic.Int64
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("encoding") != "linear16" {
			t.Errorf("expected linear16 encoding, got %q", r.URL.Query().Get("encoding"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				received.Add(int64(len(msg)))
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				for _, reply := range replies {
					_ = conn.WriteJSON(reply)
				}
				_ = conn.WriteJSON(map[string]any{"type": "Metadata"})
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), &received
}

func TestTranscribeClipJoinsFinalSegments(t *testing.T) {
	url, received := newListenServer(t, []map[string]any{
		results("option", false),
		results("Option two,", true),
		results("please.", true),
	})
	client, err := NewTranscriptionClient(WithAPIKey("test-key"), WithListenURL(url))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var partials []string
	clip := make([]byte, 16000) // half a second
	transcript, err := client.TranscribeClip(context.Background(), clip,
		speechtotext.WithPartialTranscriptionCallback(func(s string) { partials = append(partials, s) }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transcript != "Option two, please." {
		t.Fatalf("expected joined transcript, got %q", transcript)
	}
	if len(partials) != 2 {
		t.Fatalf("expected two final segments, got %v", partials)
	}
	if got := received.Load(); got != int64(len(clip)) {
		t.Fatalf("expected whole clip to be streamed, got %d bytes", got)
	}
}

func TestTranscribeClipWithoutSpeech(t *testing.T) {
	url, _ := newListenServer(t, nil)
	client, _ := NewTranscriptionClient(WithAPIKey("test-key"), WithListenURL(url))

	if _, err := client.TranscribeClip(context.Background(), make([]byte, 3200)); !errors.Is(err, speechtotext.ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestConvertEncodingRejectsCompandedWideband(t *testing.T) {
	if _, err := convertEncoding(audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingMulaw}); err == nil {
		t.Fatalf("expected mulaw at 16kHz to be rejected")
	}
	if _, err := convertEncoding(audio.EncodingInfo{SampleRate: 8000, Format: audio.EncodingMulaw}); err != nil {
		t.Fatalf("expected mulaw at 8kHz to be accepted, got %v", err)
	}
}

func TestProcessMessageIgnoresInterimResults(t *testing.T) {
	segment, done, err := processMessage([]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`))
	if err != nil || done || segment != "" {
		t.Fatalf("expected interim result to be ignored, got %q %v %v", segment, done, err)
	}

	_, done, err = processMessage([]byte(`{"type":"Error","description":"bad audio"}`))
	if err == nil || !done {
		t.Fatalf("expected error message to end the stream with an error")
	}
}
