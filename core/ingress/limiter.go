package ingress

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Limiter applies a token bucket per source. A zero rate never limits.
type Limiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	rejected metric.Int64Counter
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
	l.rejected, _ = meter.Int64Counter("ingress.rate_limited",
		metric.WithDescription("Events rejected by the per-source rate limit"))
	return l
}

// Allow consumes one token for the source.
func (l *Limiter) Allow(sourceID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.limiters[sourceID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[sourceID] = limiter
	}
	l.mu.Unlock()

	if limiter.Allow() {
		return true
	}
	l.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source_id", sourceID)))
	logger.Warn("event rate limited", "source_id", sourceID)
	return false
}
