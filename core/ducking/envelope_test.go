package ducking

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const epsilon = 1e-9

func TestEasedEndpoints(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("eased(0, c) = 0 and eased(1, c) = 1", prop.ForAll(
		func(c float64) bool {
			return Eased(0, c) == 0 && Eased(1, c) == 1
		},
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestEnvelopeContinuity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("phase boundaries match their neighbours", prop.ForAll(
		func(amount, inCurve, outCurve float64) bool {
			e := Envelope{Amount: amount, DuckInCurve: inCurve, DuckOutCurve: outCurve}
			return e.DuckInVolume(0) == 1 &&
				math.Abs(e.DuckInVolume(1)-amount) < epsilon &&
				e.DuckOutVolume(0) == amount &&
				math.Abs(e.DuckOutVolume(1)-1) < epsilon
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.Property("sampled volumes stay between the floor and full volume", prop.ForAll(
		func(amount, inCurve, outCurve float64, speechMillis int) bool {
			e := Envelope{
				Amount:       amount,
				DuckIn:       800 * time.Millisecond,
				DuckOut:      600 * time.Millisecond,
				DuckInCurve:  inCurve,
				DuckOutCurve: outCurve,
			}
			for _, step := range e.Steps(time.Duration(speechMillis)*time.Millisecond, 20) {
				if step.Volume < amount-epsilon || step.Volume > 1+epsilon {
					return false
				}
			}
			return true
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t)
}

func TestEasedMidpointIsLinearAtHalfCurve(t *testing.T) {
	for _, ts := range []float64{0.1, 0.25, 0.5, 0.75, 0.9} {
		if got := Eased(ts, 0.5); math.Abs(got-ts) > epsilon {
			t.Fatalf("expected eased(%v, 0.5) = %v, got %v", ts, ts, got)
		}
	}
}

func TestEasedCurveBias(t *testing.T) {
	if Eased(0.5, 0.1) >= 0.5 {
		t.Fatalf("expected low curve to lag behind linear, got %v", Eased(0.5, 0.1))
	}
	if Eased(0.5, 0.9) <= 0.5 {
		t.Fatalf("expected high curve to lead linear, got %v", Eased(0.5, 0.9))
	}
}

func TestVolumeAtPhases(t *testing.T) {
	e := DefaultEnvelope()
	speech := 3 * time.Second

	testCases := []struct {
		name   string
		offset time.Duration
		volume float64
		phase  Phase
	}{
		{name: "start", offset: 0, volume: 1, phase: PhaseDuckIn},
		{name: "hold", offset: 2 * time.Second, volume: e.Amount, phase: PhaseHold},
		{name: "duck out start", offset: speech, volume: e.Amount, phase: PhaseDuckOut},
		{name: "after envelope", offset: speech + e.DuckOut, volume: 1, phase: PhaseDuckOut},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			volume, phase := e.VolumeAt(testCase.offset, speech)
			if math.Abs(volume-testCase.volume) > epsilon {
				t.Fatalf("expected volume %v, got %v", testCase.volume, volume)
			}
			if phase != testCase.phase {
				t.Fatalf("expected phase %s, got %s", testCase.phase, phase)
			}
		})
	}
}

func TestStepsCoverWholeEnvelope(t *testing.T) {
	e := DefaultEnvelope()
	speech := 2 * time.Second
	steps := e.Steps(speech, 10)

	if steps[0].At != 0 || steps[0].Volume != 1 {
		t.Fatalf("expected first step at 0 with full volume, got %+v", steps[0])
	}
	last := steps[len(steps)-1]
	if last.At != e.Total(speech) || last.Volume != 1 {
		t.Fatalf("expected last step at %v with full volume, got %+v", e.Total(speech), last)
	}

	reachedFloor := false
	for i, step := range steps {
		if i > 0 && step.At < steps[i-1].At {
			t.Fatalf("expected steps in time order, step %d at %v after %v", i, step.At, steps[i-1].At)
		}
		if step.Phase == PhaseHold && step.Volume == e.Amount {
			reachedFloor = true
		}
	}
	if !reachedFloor {
		t.Fatalf("expected envelope to reach the duck floor")
	}
}

func TestShortSpeechStillCompletesDuckIn(t *testing.T) {
	e := DefaultEnvelope()
	if got := e.Total(100 * time.Millisecond); got != e.DuckIn+e.DuckOut {
		t.Fatalf("expected total %v, got %v", e.DuckIn+e.DuckOut, got)
	}
}

func TestClampedLimitsDurations(t *testing.T) {
	e := Envelope{Amount: 2, DuckIn: time.Millisecond, DuckOut: time.Minute, DuckInCurve: -1, DuckOutCurve: 3}.Clamped()

	if e.Amount != 1 || e.DuckInCurve != 0 || e.DuckOutCurve != 1 {
		t.Fatalf("expected clamped shape parameters, got %+v", e)
	}
	if e.DuckIn != MinPhaseDuration || e.DuckOut != MaxPhaseDuration {
		t.Fatalf("expected clamped durations, got in=%v out=%v", e.DuckIn, e.DuckOut)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("expected clamped envelope to validate, got %v", err)
	}
}
