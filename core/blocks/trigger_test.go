package blocks

import (
	"errors"
	"testing"
	"time"
)

func TestParseTrigger(t *testing.T) {
	tests := map[string]Trigger{
		"":                 {Kind: TriggerASAP},
		"asap":             {Kind: TriggerASAP},
		" Between_Songs ":  {Kind: TriggerBetweenSongs},
		"bridge":           {Kind: TriggerBridge},
		"before_end:30":    {Kind: TriggerBeforeEnd, Offset: 30 * time.Second},
		"after_start:12.5": {Kind: TriggerAfterStart, Offset: 12500 * time.Millisecond},
		"after_start: 0":   {Kind: TriggerAfterStart},
	}
	for raw, expected := range tests {
		got, err := ParseTrigger(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if got != expected {
			t.Fatalf("expected %+v for %q, got %+v", expected, raw, got)
		}
	}

	for _, raw := range []string{"soon", "before_end", "before_end:-1", "after_start:x", "asap:3", "bridge:2"} {
		if _, err := ParseTrigger(raw); !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("expected %q to be rejected, got %v", raw, err)
		}
	}
}

func TestTriggerString(t *testing.T) {
	for _, raw := range []string{"asap", "between_songs", "bridge", "before_end:30", "after_start:12.5"} {
		trigger, _ := ParseTrigger(raw)
		if trigger.String() != raw {
			t.Fatalf("expected %q, got %q", raw, trigger.String())
		}
	}
}

func TestBlockTriggerDefaultsToASAP(t *testing.T) {
	if trigger := (Block{}).Trigger(); !trigger.Immediate() {
		t.Fatalf("expected a block without metadata to play asap, got %+v", trigger)
	}
	block := Block{Metadata: map[string]any{TriggerKey: "before_end:10"}}
	if trigger := block.Trigger(); trigger.Kind != TriggerBeforeEnd || trigger.Offset != 10*time.Second {
		t.Fatalf("expected before_end:10, got %+v", trigger)
	}
	block.Metadata[TriggerKey] = 7
	if trigger := block.Trigger(); !trigger.Immediate() {
		t.Fatalf("expected an unreadable trigger to play asap, got %+v", trigger)
	}
}
