package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-narrator/core/audio"
)

func newSpeakServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token test-key" {
			t.Errorf("expected token auth, got %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSynthesizeCollectsAudioUntilFlushed(t *testing.T) {
	encoding := audio.EncodingInfo{SampleRate: 24000, Format: audio.EncodingLinear16}
	received := make(chan string, 4)

	url := newSpeakServer(t, func(conn *websocket.Conn) {
		for {
			var msg struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg.Type
			if msg.Type == "Flush" {
				_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 24000))
				_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 24000))
				_ = conn.WriteJSON(map[string]any{"type": "Flushed", "sequence_id": 0})
			}
		}
	})

	client, err := NewTextToSpeechClient(t.TempDir(),
		WithAPIKey("test-key"), WithSpeakURL(url), WithEncodingInfo(encoding))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	speech, err := client.Synthesize(context.Background(), "Running the test suite")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if speech.Duration != time.Second {
		t.Fatalf("expected 1s of audio, got %s", speech.Duration)
	}
	duration, err := audio.WAVFileDuration(speech.Path)
	if err != nil || duration != time.Second {
		t.Fatalf("expected cached 1s wav, got %s (%v)", duration, err)
	}

	for _, expected := range []string{"Speak", "Flush"} {
		select {
		case got := <-received:
			if got != expected {
				t.Fatalf("expected %s message, got %s", expected, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", expected)
		}
	}
}

func TestSynthesizeStopsWhenCancelled(t *testing.T) {
	url := newSpeakServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client, err := NewTextToSpeechClient(t.TempDir(), WithAPIKey("test-key"), WithSpeakURL(url))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() {
		_, err := client.Synthesize(ctx, "never answered")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out, synthesis ignored cancellation")
	}
}

func TestNewClientRejectsUnknownVoice(t *testing.T) {
	if _, err := NewTextToSpeechClient(t.TempDir(), WithAPIKey("k"), WithVoice("robot-9000")); err == nil {
		t.Fatalf("expected unknown voice to be rejected")
	}
}
