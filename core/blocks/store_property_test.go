package blocks

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allStatuses = []Status{
	StatusPending, StatusGenerating, StatusReady, StatusQueued,
	StatusPlaying, StatusCompleted, StatusFailed, StatusSkipped,
}

func TestTerminalStatusesNeverMove(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("random mark sequences never leave a terminal status", prop.ForAll(
		func(steps []int) bool {
			s := NewStore()
			b, _ := s.Create(testEvent("1", PriorityFYI), "", TierFull)

			terminalSeen := Status("")
			for _, step := range steps {
				target := allStatuses[step%len(allStatuses)]
				_, _ = s.Mark(b.ID, target, Update{})
				got, _ := s.Get(b.ID)
				if terminalSeen != "" && got.Status != terminalSeen {
					return false
				}
				if got.Status.Terminal() {
					terminalSeen = got.Status
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.TestingRun(t)
}
