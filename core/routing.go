package narration

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultResponseTTL = 10 * time.Minute

	DefaultRedeliveryInitialInterval = time.Second
	DefaultRedeliveryMaxInterval     = 30 * time.Second
)

// Response is a listener's answer on its way back to the source that asked.
type Response struct {
	BlockID    int64     `json:"block_id"`
	SourceID   string    `json:"source_id"`
	EventID    string    `json:"event_id"`
	Text       string    `json:"response_text"`
	Options    []string  `json:"question_options,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Adapter delivers responses to one source.
type Adapter interface {
	Deliver(ctx context.Context, response Response) error
}

// ConnectionReporter is implemented by adapters that know whether their
// source is reachable right now.
type ConnectionReporter interface {
	Connected() bool
}

type AdapterFunc func(ctx context.Context, response Response) error

func (f AdapterFunc) Deliver(ctx context.Context, response Response) error {
	return f(ctx, response)
}

type RegistryOption func(*Registry)

// WithResponseTTL sets how long undelivered responses are retained.
func WithResponseTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRequireRegistration rejects events from sources that were never
// registered. By default the first event from a source registers it.
func WithRequireRegistration() RegistryOption {
	return func(r *Registry) {
		r.requireRegistration = true
	}
}

// WithRedeliveryBackoff bounds how often a source that failed a delivery is
// retried while nothing else brings it back.
func WithRedeliveryBackoff(initial, max time.Duration) RegistryOption {
	return func(r *Registry) {
		if initial > 0 {
			r.retryInitial = initial
		}
		if max >= r.retryInitial {
			r.retryMax = max
		}
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

type pendingResponse struct {
	response   Response
	retainedAt time.Time
}

type source struct {
	adapter   Adapter
	connected bool
	flushing  bool
	pending   []pendingResponse
}

func (s *source) reachable() bool {
	if s.adapter == nil || !s.connected {
		return false
	}
	if reporter, ok := s.adapter.(ConnectionReporter); ok {
		return reporter.Connected()
	}
	return true
}

// stalled is a source that refused a delivery and has not been heard from
// since.
func (s *source) stalled() bool {
	return len(s.pending) > 0 && s.adapter != nil && !s.flushing && !s.reachable()
}

// Registry resolves sources to their adapters and keeps responses that could
// not be delivered until the source comes back or the response expires.
type Registry struct {
	ttl                 time.Duration
	requireRegistration bool
	retryInitial        time.Duration
	retryMax            time.Duration
	now                 func() time.Time

	mu      sync.Mutex
	sources map[string]*source

	flushSignal chan struct{}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		ttl:          DefaultResponseTTL,
		retryInitial: DefaultRedeliveryInitialInterval,
		retryMax:     DefaultRedeliveryMaxInterval,
		now:          time.Now,
		sources:      map[string]*source{},
		flushSignal:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.retryMax = max(r.retryMax, r.retryInitial)
	return r
}

// Register binds an adapter to a source. A nil adapter makes the source known
// without a way to answer it.
func (r *Registry) Register(sourceID string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookupLocked(sourceID)
	s.adapter = adapter
	s.connected = adapter != nil
	if len(s.pending) > 0 && s.connected {
		r.signalFlush()
	}
}

// Known reports whether events from the source are accepted.
func (r *Registry) Known(sourceID string) bool {
	if !r.requireRegistration {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sources[sourceID]
	return ok
}

// MarkConnected records that the source is reachable again and schedules
// redelivery of its retained responses.
func (r *Registry) MarkConnected(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.requireRegistration && r.sources[sourceID] == nil {
		return
	}
	s := r.lookupLocked(sourceID)
	s.connected = true
	if len(s.pending) > 0 && s.adapter != nil {
		r.signalFlush()
	}
}

// Deliver hands a response to its source. When the source cannot take it now
// the response is retained and ErrSourceUnavailable is returned. Responses to
// one source are delivered in the order they were given.
func (r *Registry) Deliver(ctx context.Context, response Response) error {
	r.mu.Lock()
	s := r.lookupLocked(response.SourceID)
	if !s.reachable() || s.flushing || len(s.pending) > 0 {
		r.retainLocked(s, response)
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, response.SourceID)
	}
	adapter := s.adapter
	r.mu.Unlock()

	if err := adapter.Deliver(ctx, response); err != nil {
		r.mu.Lock()
		s.connected = false
		s.pending = slices.Insert(s.pending, 0, pendingResponse{response: response, retainedAt: r.now()})
		r.mu.Unlock()
		logger.Warn("response delivery failed", "source_id", response.SourceID, "block_id", response.BlockID, "error", err)
		r.signalFlush()
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return nil
}

// Flush redelivers retained responses of every reachable source in order and
// returns those that went through. A source that fails again keeps the rest.
func (r *Registry) Flush(ctx context.Context) []Response {
	r.mu.Lock()
	type batch struct {
		id     string
		source *source
	}
	var ready []batch
	for id, s := range r.sources {
		if len(s.pending) > 0 && s.reachable() && !s.flushing {
			s.flushing = true
			ready = append(ready, batch{id: id, source: s})
		}
	}
	r.mu.Unlock()

	var delivered []Response
	for _, b := range ready {
		delivered = append(delivered, r.flushSource(ctx, b.id, b.source, false)...)
	}
	return delivered
}

// Retry attempts the oldest retained response of every source that went
// down after a failed delivery. A source whose attempt goes through is
// connected again and the rest of its responses follow in order.
func (r *Registry) Retry(ctx context.Context) []Response {
	r.mu.Lock()
	type batch struct {
		id     string
		source *source
	}
	var stalled []batch
	for id, s := range r.sources {
		if s.stalled() {
			s.flushing = true
			stalled = append(stalled, batch{id: id, source: s})
		}
	}
	r.mu.Unlock()

	var delivered []Response
	for _, b := range stalled {
		delivered = append(delivered, r.flushSource(ctx, b.id, b.source, true)...)
	}
	return delivered
}

// Stalled reports whether any source holds responses it can only get
// through Retry.
func (r *Registry) Stalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.stalled() {
			return true
		}
	}
	return false
}

// redeliveryBackoff paces Retry for as long as some source stays stalled.
func (r *Registry) redeliveryBackoff() *backoff.ExponentialBackOff {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.retryInitial
	retry.MaxInterval = r.retryMax
	retry.Reset()
	return retry
}

// flushSource delivers s's retained responses in order. With attempt set the
// first delivery is tried even though the source looks unreachable.
func (r *Registry) flushSource(ctx context.Context, sourceID string, s *source, attempt bool) []Response {
	var delivered []Response
	defer func() {
		r.mu.Lock()
		s.flushing = false
		again := len(s.pending) > 0 && s.reachable()
		r.mu.Unlock()
		if again {
			r.signalFlush()
		}
	}()

	for {
		r.mu.Lock()
		if len(s.pending) == 0 || s.adapter == nil || (!attempt && !s.reachable()) {
			r.mu.Unlock()
			return delivered
		}
		next := s.pending[0]
		adapter := s.adapter
		r.mu.Unlock()

		if err := adapter.Deliver(ctx, next.response); err != nil {
			r.mu.Lock()
			s.connected = false
			r.mu.Unlock()
			logger.Warn("response redelivery failed", "source_id", sourceID, "block_id", next.response.BlockID, "error", err)
			return delivered
		}

		r.mu.Lock()
		if len(s.pending) > 0 && s.pending[0].response.BlockID == next.response.BlockID {
			s.pending = s.pending[1:]
		}
		if attempt {
			s.connected = true
			attempt = false
			logger.Info("source reachable again", "source_id", sourceID)
		}
		r.mu.Unlock()
		delivered = append(delivered, next.response)
	}
}

// Expire drops retained responses older than the TTL and returns them.
func (r *Registry) Expire(now time.Time) []Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Response
	for _, s := range r.sources {
		kept := s.pending[:0]
		for _, p := range s.pending {
			if now.Sub(p.retainedAt) >= r.ttl {
				expired = append(expired, p.response)
				continue
			}
			kept = append(kept, p)
		}
		s.pending = kept
	}
	slices.SortFunc(expired, func(a, b Response) int {
		return a.AnsweredAt.Compare(b.AnsweredAt)
	})
	return expired
}

// Pending returns the retained responses of a source in delivery order.
func (r *Registry) Pending(sourceID string) []Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[sourceID]
	if !ok {
		return nil
	}
	out := make([]Response, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.response)
	}
	return out
}

func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func (r *Registry) lookupLocked(sourceID string) *source {
	s, ok := r.sources[sourceID]
	if !ok {
		s = &source{}
		r.sources[sourceID] = s
	}
	return s
}

func (r *Registry) retainLocked(s *source, response Response) {
	s.pending = append(s.pending, pendingResponse{response: response, retainedAt: r.now()})
	if s.reachable() {
		r.signalFlush()
	}
}

func (r *Registry) signalFlush() {
	select {
	case r.flushSignal <- struct{}{}:
	default:
	}
}
