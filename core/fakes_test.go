package narration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/events"
	"github.com/koscakluka/ema-narrator/core/llms"
	"github.com/koscakluka/ema-narrator/core/mixer"
	"github.com/koscakluka/ema-narrator/core/speechtotext"
	"github.com/koscakluka/ema-narrator/core/texttospeech"
)

const waitTimeout = 2 * time.Second

type synthesisCall struct {
	text     string
	fileName string
}

// fakeSynthesizer returns speech of a fixed duration. With release set, every
// call waits for it to close; ignoreCancel makes the wait outlive ctx.
type fakeSynthesizer struct {
	duration     time.Duration
	release      chan struct{}
	ignoreCancel bool
	fail         func(text string) error

	mu          sync.Mutex
	calls       []synthesisCall
	inflight    int
	maxInflight int
	cancelled   int
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) (texttospeech.Speech, error) {
	options := texttospeech.ApplyOptions(opts...)

	s.mu.Lock()
	s.calls = append(s.calls, synthesisCall{text: text, fileName: options.FileName})
	s.inflight++
	s.maxInflight = max(s.maxInflight, s.inflight)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled++
			s.mu.Unlock()
			if !s.ignoreCancel {
				return texttospeech.Speech{}, ctx.Err()
			}
			<-s.release
		}
	}

	if s.fail != nil {
		if err := s.fail(text); err != nil {
			return texttospeech.Speech{}, err
		}
	}
	return texttospeech.Speech{Path: "/cache/" + options.FileName, Duration: s.duration}, nil
}

func (s *fakeSynthesizer) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, call := range s.calls {
		out = append(out, call.text)
	}
	return out
}

func (s *fakeSynthesizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeSummarizer struct {
	summary string
	err     error

	mu   sync.Mutex
	last llms.SummaryRequest
}

func (s *fakeSummarizer) Summarize(_ context.Context, req llms.SummaryRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	return s.summary, s.err
}

func (s *fakeSummarizer) lastRequest() llms.SummaryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type fakeTranscriber struct {
	transcript string

	mu       sync.Mutex
	encoding audio.EncodingInfo
}

func (f *fakeTranscriber) TranscribeClip(_ context.Context, _ []byte, opts ...speechtotext.TranscriptionOption) (string, error) {
	options := speechtotext.TranscriptionOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	f.mu.Lock()
	f.encoding = options.EncodingInfo
	f.mu.Unlock()
	return f.transcript, nil
}

func (f *fakeTranscriber) lastEncoding() audio.EncodingInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encoding
}

func audioEncoding() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingLinear16}
}

// recordingMixer keeps every command it is sent.
type recordingMixer struct {
	mu       sync.Mutex
	commands []mixer.Command
	failing  bool
}

func (m *recordingMixer) Send(cmd mixer.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return mixer.ErrDropped
	}
	m.commands = append(m.commands, cmd)
	return nil
}

func (m *recordingMixer) lines(verb string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, cmd := range m.commands {
		if verb == "" || cmd.Verb == verb {
			out = append(out, cmd.String())
		}
	}
	return out
}

func (m *recordingMixer) setFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

type recordedEvent struct {
	event events.Event
	at    time.Time
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
	update chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{update: make(chan struct{}, 1)}
}

func (r *eventRecorder) record(event events.Event) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{event: event, at: time.Now()})
	r.mu.Unlock()
	select {
	case r.update <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) find(kind events.Kind, blockID int64) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, recorded := range r.events {
		if recorded.event.Kind() == kind && eventBlockID(recorded.event) == blockID {
			return recorded, true
		}
	}
	return recordedEvent{}, false
}

func (r *eventRecorder) count(kind events.Kind, blockID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, recorded := range r.events {
		if recorded.event.Kind() == kind && eventBlockID(recorded.event) == blockID {
			count++
		}
	}
	return count
}

func (r *eventRecorder) waitFor(t *testing.T, kind events.Kind, blockID int64) recordedEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		if recorded, ok := r.find(kind, blockID); ok {
			return recorded
		}
		select {
		case <-r.update:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s of block %d", kind, blockID)
		}
	}
}

func eventBlockID(event events.Event) int64 {
	switch typedEvent := event.(type) {
	case events.BlockCreated:
		return typedEvent.BlockID
	case events.BlockTTSReady:
		return typedEvent.BlockID
	case events.BlockSkipped:
		return typedEvent.BlockID
	case events.BlockPlaying:
		return typedEvent.BlockID
	case events.BlockPlayed:
		return typedEvent.BlockID
	case events.BlockAwaitingResponse:
		return typedEvent.BlockID
	case events.BlockRepeated:
		return typedEvent.BlockID
	case events.ResponseRouted:
		return typedEvent.BlockID
	case events.ResponsePending:
		return typedEvent.BlockID
	case events.ResponseExpired:
		return typedEvent.BlockID
	case events.SystemDegraded:
		return typedEvent.BlockID
	}
	return 0
}

// recordingAdapter collects delivered responses. While down it reports
// itself disconnected and refuses delivery.
type recordingAdapter struct {
	mu        sync.Mutex
	down      bool
	delivered []Response
}

func (a *recordingAdapter) Deliver(_ context.Context, response Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return errors.New("source offline")
	}
	a.delivered = append(a.delivered, response)
	return nil
}

func (a *recordingAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.down
}

func (a *recordingAdapter) setDown(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = down
}

func (a *recordingAdapter) responses() []Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Response(nil), a.delivered...)
}

func startNarrator(t *testing.T, opts ...NarratorOption) (*Narrator, *eventRecorder) {
	t.Helper()
	recorder := newEventRecorder()
	n := NewNarrator(append([]NarratorOption{WithEventCallback(recorder.record)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		n.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("expected narrator to stop cleanly, got %v", err)
			}
		case <-time.After(waitTimeout):
			t.Errorf("timed out waiting for narrator to stop")
		}
	})
	return n, recorder
}

var eventSeq struct {
	sync.Mutex
	next int
}

func sourceEvent(eventType string, priority blocks.Priority, content string) blocks.SourceEvent {
	eventSeq.Lock()
	eventSeq.next++
	id := eventSeq.next
	eventSeq.Unlock()

	return blocks.SourceEvent{
		SourceID:  "agent",
		EventID:   fmt.Sprintf("evt-%04d", id),
		EventType: eventType,
		Priority:  priority,
		Content:   content,
	}
}

func mustIngest(t *testing.T, n *Narrator, event blocks.SourceEvent) int64 {
	t.Helper()
	id, err := n.Ingest(context.Background(), event)
	if err != nil {
		t.Fatalf("expected event to be accepted, got %v", err)
	}
	return id
}

func waitForStatus(t *testing.T, n *Narrator, blockID int64, status blocks.Status) blocks.Block {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if block, ok := n.Store().Get(blockID); ok && block.Status == status {
			return block
		}
		time.Sleep(5 * time.Millisecond)
	}
	block, _ := n.Store().Get(blockID)
	t.Fatalf("timed out waiting for block %d to be %s, it is %s", blockID, status, block.Status)
	return blocks.Block{}
}

func waitUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
