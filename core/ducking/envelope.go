// Package ducking computes the music volume envelope applied while speech
// plays over it.
//
// Every phase is a quadratic Bézier easing from its start to its end value:
//
//	eased(t, c) = 2(1-t)tc + t²,  t ∈ [0, 1]
//
// c = 0.5 is linear, c < 0.5 lingers near the start value and c > 0.5 moves
// towards the end value early.
package ducking

import (
	"fmt"
	"math"
	"time"
)

const (
	MinPhaseDuration = 50 * time.Millisecond
	MaxPhaseDuration = 5 * time.Second
)

// Eased maps normalized phase time t to normalized progress for curve c.
// Both inputs are clamped to [0, 1].
func Eased(t, c float64) float64 {
	t = clamp01(t)
	c = clamp01(c)
	return 2*(1-t)*t*c + t*t
}

type Phase string

const (
	PhaseDuckIn  Phase = "duck_in"
	PhaseHold    Phase = "hold"
	PhaseDuckOut Phase = "duck_out"
)

type Envelope struct {
	// Amount is the music volume floor while speech plays.
	Amount       float64
	DuckIn       time.Duration
	DuckOut      time.Duration
	DuckInCurve  float64
	DuckOutCurve float64
}

func DefaultEnvelope() Envelope {
	return Envelope{
		Amount:       0.15,
		DuckIn:       800 * time.Millisecond,
		DuckOut:      600 * time.Millisecond,
		DuckInCurve:  0.7,
		DuckOutCurve: 0.3,
	}
}

func (e Envelope) Validate() error {
	if e.Amount < 0 || e.Amount > 1 {
		return fmt.Errorf("duck amount %v outside [0, 1]", e.Amount)
	}
	if e.DuckInCurve < 0 || e.DuckInCurve > 1 {
		return fmt.Errorf("duck in curve %v outside [0, 1]", e.DuckInCurve)
	}
	if e.DuckOutCurve < 0 || e.DuckOutCurve > 1 {
		return fmt.Errorf("duck out curve %v outside [0, 1]", e.DuckOutCurve)
	}
	return nil
}

// Clamped returns the envelope with phase durations forced into the range the
// mixer accepts.
func (e Envelope) Clamped() Envelope {
	e.Amount = clamp01(e.Amount)
	e.DuckInCurve = clamp01(e.DuckInCurve)
	e.DuckOutCurve = clamp01(e.DuckOutCurve)
	e.DuckIn = clampDuration(e.DuckIn)
	e.DuckOut = clampDuration(e.DuckOut)
	return e
}

// DuckInVolume is the music volume at normalized time t of the duck-in phase.
func (e Envelope) DuckInVolume(t float64) float64 {
	return 1 + (e.Amount-1)*Eased(t, e.DuckInCurve)
}

// DuckOutVolume is the music volume at normalized time t of the duck-out phase.
func (e Envelope) DuckOutVolume(t float64) float64 {
	return e.Amount + (1-e.Amount)*Eased(t, e.DuckOutCurve)
}

// Total is how long the envelope runs for speech of the given length.
func (e Envelope) Total(speech time.Duration) time.Duration {
	return max(speech, e.DuckIn) + e.DuckOut
}

// VolumeAt returns the music volume and phase at offset from the start of a
// speech item lasting speech. The hold lasts until the speech ends, but never
// starts before duck-in completes.
func (e Envelope) VolumeAt(offset, speech time.Duration) (float64, Phase) {
	holdEnd := max(speech, e.DuckIn)
	switch {
	case offset <= 0:
		return 1, PhaseDuckIn
	case offset < e.DuckIn:
		return e.DuckInVolume(normalize(offset, e.DuckIn)), PhaseDuckIn
	case offset < holdEnd:
		return e.Amount, PhaseHold
	case offset < holdEnd+e.DuckOut:
		return e.DuckOutVolume(normalize(offset-holdEnd, e.DuckOut)), PhaseDuckOut
	default:
		return 1, PhaseDuckOut
	}
}

// Step is one sampled volume command.
type Step struct {
	At     time.Duration
	Volume float64
	Phase  Phase
}

// Steps samples the envelope at tickRate Hz. Phase boundaries are always
// included, so the ducked floor and the final full volume are reached exactly.
func (e Envelope) Steps(speech time.Duration, tickRate int) []Step {
	if tickRate <= 0 {
		tickRate = 20
	}
	tick := time.Second / time.Duration(tickRate)
	holdEnd := max(speech, e.DuckIn)
	total := holdEnd + e.DuckOut

	var steps []Step
	for at := time.Duration(0); at < e.DuckIn; at += tick {
		steps = append(steps, Step{At: at, Volume: e.DuckInVolume(normalize(at, e.DuckIn)), Phase: PhaseDuckIn})
	}
	steps = append(steps, Step{At: e.DuckIn, Volume: e.Amount, Phase: PhaseHold})

	for at := holdEnd; at < total; at += tick {
		steps = append(steps, Step{At: at, Volume: e.DuckOutVolume(normalize(at-holdEnd, e.DuckOut)), Phase: PhaseDuckOut})
	}
	steps = append(steps, Step{At: total, Volume: 1, Phase: PhaseDuckOut})
	return steps
}

func normalize(offset, length time.Duration) float64 {
	if length <= 0 {
		return 1
	}
	return clamp01(float64(offset) / float64(length))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

func clampDuration(d time.Duration) time.Duration {
	return min(MaxPhaseDuration, max(MinPhaseDuration, d))
}
