package narration

import (
	"sync"
	"time"

	"github.com/koscakluka/ema-narrator/core/blocks"
)

// ChattinessPolicy picks how much airtime a new block gets.
type ChattinessPolicy interface {
	Tier(now time.Time, priority blocks.Priority) blocks.Tier
}

type ChattinessPolicyFunc func(now time.Time, priority blocks.Priority) blocks.Tier

func (f ChattinessPolicyFunc) Tier(now time.Time, priority blocks.Priority) blocks.Tier {
	return f(now, priority)
}

// SlidingWindowPolicy throttles fyi and done blocks by how many of them
// arrived within Window. More than SummaryThreshold arrivals drops to the
// summary tier, more than EarconThreshold to earcons only. A zero threshold
// is disabled.
type SlidingWindowPolicy struct {
	Window           time.Duration
	SummaryThreshold int
	EarconThreshold  int

	mu       sync.Mutex
	arrivals []time.Time
}

func NewSlidingWindowPolicy(window time.Duration, summaryThreshold, earconThreshold int) *SlidingWindowPolicy {
	return &SlidingWindowPolicy{
		Window:           window,
		SummaryThreshold: summaryThreshold,
		EarconThreshold:  earconThreshold,
	}
}

func (p *SlidingWindowPolicy) Tier(now time.Time, priority blocks.Priority) blocks.Tier {
	switch priority {
	case blocks.PriorityBlocking:
		return blocks.TierFull
	case blocks.PrioritySilent:
		return blocks.TierEarcon
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.Window)
	kept := p.arrivals[:0]
	for _, at := range p.arrivals {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	p.arrivals = append(kept, now)

	count := len(p.arrivals)
	switch {
	case p.EarconThreshold > 0 && count > p.EarconThreshold:
		return blocks.TierEarcon
	case p.SummaryThreshold > 0 && count > p.SummaryThreshold:
		return blocks.TierSummary
	default:
		return blocks.TierFull
	}
}

// Rate returns how many throttled arrivals are inside the window at now.
func (p *SlidingWindowPolicy) Rate(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.Window)
	count := 0
	for _, at := range p.arrivals {
		if at.After(cutoff) {
			count++
		}
	}
	return count
}
