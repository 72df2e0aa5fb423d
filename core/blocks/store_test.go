package blocks

import (
	"errors"
	"testing"
	"time"

	"github.com/koscakluka/ema-narrator/internal/utils"
)

func testEvent(id string, priority Priority) SourceEvent {
	return SourceEvent{
		SourceID:  "agent",
		EventID:   id,
		EventType: "text",
		Priority:  priority,
		Content:   "hello " + id,
		Metadata:  map[string]any{"k": "v"},
	}
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	s := NewStore()

	first, created := s.Create(testEvent("1", PriorityFYI), "", TierFull)
	if !created {
		t.Fatalf("expected first event to create a block")
	}
	second, _ := s.Create(testEvent("2", PriorityFYI), "", TierFull)

	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if first.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", first.Status)
	}
}

func TestCreateIsIdempotentPerEvent(t *testing.T) {
	s := NewStore()

	first, _ := s.Create(testEvent("1", PriorityFYI), "", TierFull)
	again, created := s.Create(testEvent("1", PriorityFYI), "", TierFull)

	if created {
		t.Fatalf("expected redelivered event not to create a block")
	}
	if again.ID != first.ID {
		t.Fatalf("expected id %d, got %d", first.ID, again.ID)
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected a single block, got %d", len(s.List()))
	}
}

func TestMarkFollowsLifecycle(t *testing.T) {
	s := NewStore()
	b, _ := s.Create(testEvent("1", PriorityFYI), "", TierFull)

	path := []Status{StatusGenerating, StatusReady, StatusQueued, StatusPlaying, StatusCompleted}
	for _, status := range path {
		if _, err := s.Mark(b.ID, status, Update{}); err != nil {
			t.Fatalf("expected transition to %s to succeed, got %v", status, err)
		}
	}

	got, _ := s.Get(b.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestMarkRejectsUnknownEdges(t *testing.T) {
	s := NewStore()
	b, _ := s.Create(testEvent("1", PriorityFYI), "", TierFull)

	if _, err := s.Mark(b.ID, StatusPlaying, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := s.Mark(b.ID, StatusSkipped, Update{}); err != nil {
		t.Fatalf("expected skip from pending to succeed, got %v", err)
	}
	if _, err := s.Mark(b.ID, StatusGenerating, Update{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected skipped to be terminal, got %v", err)
	}
}

func TestMarkUnknownBlock(t *testing.T) {
	s := NewStore()
	if _, err := s.Mark(42, StatusGenerating, Update{}); !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("expected ErrUnknownBlock, got %v", err)
	}
	if _, err := s.Apply(0, Update{Played: utils.Ptr(true)}); !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("expected ErrUnknownBlock, got %v", err)
	}
}

func TestReadersReceiveCopies(t *testing.T) {
	s := NewStore()
	b, _ := s.Create(testEvent("1", PriorityBlocking), "", TierFull)

	b.Metadata["k"] = "mutated"
	b.Content = "mutated"

	got, _ := s.Get(b.ID)
	if got.Content != "hello 1" {
		t.Fatalf("expected stored content to be unchanged, got %q", got.Content)
	}
	if got.Metadata["k"] != "v" {
		t.Fatalf("expected stored metadata to be unchanged, got %v", got.Metadata["k"])
	}
	if got.CreatedAt.IsZero() || !got.CreatedAt.Equal(b.CreatedAt) {
		t.Fatalf("expected timestamps to survive the copy, got %v", got.CreatedAt)
	}
}

func TestReadersReceiveDeepCopies(t *testing.T) {
	s := NewStore()
	event := testEvent("1", PriorityBlocking)
	event.QuestionOptions = []string{"yes", "no"}
	event.Metadata = map[string]any{"nested": map[string]any{"k": "v"}}
	b, _ := s.Create(event, "", TierFull)
	_, _ = s.Mark(b.ID, StatusGenerating, Update{})
	_, _ = s.Mark(b.ID, StatusReady, Update{TTSFull: &AudioRef{Ref: "a.wav", Duration: time.Second}})

	first, _ := s.Get(b.ID)
	first.QuestionOptions[0] = "mutated"
	first.Metadata["nested"].(map[string]any)["k"] = "mutated"
	first.TTSFull.Ref = "mutated.wav"

	got, _ := s.Get(b.ID)
	if got.QuestionOptions[0] != "yes" {
		t.Fatalf("expected stored options to be unchanged, got %v", got.QuestionOptions)
	}
	if got.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("expected nested metadata to be unchanged, got %v", got.Metadata)
	}
	if got.TTSFull == nil || got.TTSFull.Ref != "a.wav" || got.TTSFull.Duration != time.Second {
		t.Fatalf("expected stored audio to be unchanged, got %+v", got.TTSFull)
	}
}

func TestChangeHookSeesCommitOrder(t *testing.T) {
	var seen []Status
	s := NewStore(WithChangeHook(func(change Change) {
		seen = append(seen, change.Block.Status)
	}))

	b, _ := s.Create(testEvent("1", PriorityFYI), "", TierFull)
	_, _ = s.Mark(b.ID, StatusGenerating, Update{})
	_, _ = s.Mark(b.ID, StatusReady, Update{TTSFull: &AudioRef{Ref: "a.wav", Duration: time.Second}})
	_, _ = s.Mark(b.ID, StatusPlaying, Update{})

	expected := []Status{StatusPending, StatusGenerating, StatusReady}
	if len(seen) != len(expected) {
		t.Fatalf("expected %d changes, got %d (%v)", len(expected), len(seen), seen)
	}
	for i := range expected {
		if seen[i] != expected[i] {
			t.Fatalf("expected change %d to be %s, got %s", i, expected[i], seen[i])
		}
	}
}

func TestApplyReportsChangedFields(t *testing.T) {
	var last Change
	s := NewStore(WithChangeHook(func(change Change) { last = change }))
	b, _ := s.Create(testEvent("1", PriorityBlocking), "", TierFull)

	_, err := s.Apply(b.ID, Update{Answered: utils.Ptr(true), Response: utils.Ptr("A")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(last.Fields) != 2 || last.Fields[0] != "answered" || last.Fields[1] != "response" {
		t.Fatalf("expected answered and response fields, got %v", last.Fields)
	}
	if last.Block.AwaitsResponse() {
		t.Fatalf("expected answered block not to await a response")
	}
}

func TestListSinceFiltersByTimestamp(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, time.Minute, 2 * time.Minute} {
		event := testEvent(string(rune('a'+i)), PriorityFYI)
		event.Timestamp = base.Add(offset)
		s.Create(event, "", TierFull)
	}

	got := s.ListSince(base.Add(time.Minute))
	if len(got) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(got))
	}
	if got[0].ID != 2 {
		t.Fatalf("expected first block since cutoff to be 2, got %d", got[0].ID)
	}
}

func TestSpeechFollowsTier(t *testing.T) {
	full := &AudioRef{Ref: "full.wav"}
	summary := &AudioRef{Ref: "summary.wav"}

	testCases := []struct {
		name     string
		block    Block
		expected *AudioRef
	}{
		{name: "full tier", block: Block{Tier: TierFull, TTSFull: full, TTSSummary: summary}, expected: full},
		{name: "summary tier", block: Block{Tier: TierSummary, TTSFull: full, TTSSummary: summary}, expected: summary},
		{name: "full fell back to summary", block: Block{Tier: TierFull, TTSSummary: summary}, expected: summary},
		{name: "earcon tier", block: Block{Tier: TierEarcon, TTSFull: full}, expected: nil},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := testCase.block.Speech(); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

func TestFindLooksUpBySourceEvent(t *testing.T) {
	s := NewStore()
	created, _ := s.Create(testEvent("a", PriorityFYI), "", TierFull)

	found, ok := s.Find("agent", "a")
	if !ok || found.ID != created.ID {
		t.Fatalf("expected to find block %d, got %+v (ok=%v)", created.ID, found, ok)
	}
	if _, ok := s.Find("other", "a"); ok {
		t.Fatalf("expected event ids to be scoped per source")
	}
}

func TestListByStatusKeepsCreationOrder(t *testing.T) {
	s := NewStore()
	first, _ := s.Create(testEvent("1", PriorityFYI), "", TierFull)
	second, _ := s.Create(testEvent("2", PriorityFYI), "", TierFull)
	third, _ := s.Create(testEvent("3", PriorityFYI), "", TierFull)

	if _, err := s.Mark(second.ID, StatusGenerating, Update{}); err != nil {
		t.Fatalf("expected mark to succeed, got %v", err)
	}

	pending := s.ListByStatus(StatusPending)
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Fatalf("expected blocks %d and %d pending, got %+v", first.ID, third.ID, pending)
	}
	if got := s.ListByStatus(StatusPending, StatusGenerating); len(got) != 3 {
		t.Fatalf("expected all three blocks, got %d", len(got))
	}
	if got := s.Count(StatusGenerating); got != 1 {
		t.Fatalf("expected one generating block, got %d", got)
	}
}

func TestAnswerIsRecordedOnce(t *testing.T) {
	var changes int
	s := NewStore(WithChangeHook(func(Change) { changes++ }))
	b, _ := s.Create(testEvent("1", PriorityBlocking), "", TierFull)

	answered, err := s.Answer(b.ID, "yes")
	if err != nil || !answered.Answered || answered.Response != "yes" {
		t.Fatalf("expected the answer to be recorded, got %+v (%v)", answered, err)
	}

	again, err := s.Answer(b.ID, "no")
	if !errors.Is(err, ErrAlreadyAnswered) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
	if again.Response != "yes" {
		t.Fatalf("expected the first answer to stay, got %q", again.Response)
	}
	if changes != 2 {
		t.Fatalf("expected create and one answer to notify, got %d changes", changes)
	}

	if _, err := s.Answer(99, "yes"); !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("expected ErrUnknownBlock, got %v", err)
	}
}
