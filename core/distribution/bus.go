package distribution

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultBufferSize        = 256
	DefaultHeartbeatInterval = 3 * time.Second
)

type BusOption func(*Bus)

// WithBufferSize bounds every subscriber's queue.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithMirrorLimit bounds how many entities of each kind snapshots retain. The
// oldest ids are forgotten first.
func WithMirrorLimit(limit int) BusOption {
	return func(b *Bus) {
		b.mirrorLimit = limit
	}
}

func WithHeartbeat(interval time.Duration, playback func() PlaybackState) BusOption {
	return func(b *Bus) {
		if interval > 0 {
			b.heartbeatInterval = interval
		}
		b.playback = playback
	}
}

type entityMirror struct {
	ids    []int64
	values map[int64]any
}

func (m *entityMirror) put(id int64, value any) {
	if _, ok := m.values[id]; !ok {
		index, _ := slices.BinarySearch(m.ids, id)
		m.ids = slices.Insert(m.ids, index, id)
	}
	m.values[id] = value
}

func (m *entityMirror) trim(limit int) {
	for limit > 0 && len(m.ids) > limit {
		delete(m.values, m.ids[0])
		m.ids = m.ids[1:]
	}
}

func (m *entityMirror) list() []any {
	out := make([]any, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.values[id])
	}
	return out
}

// Bus fans state changes out to any number of subscribers. Publishing never
// blocks: each subscriber has its own bounded queue, and a subscriber that
// falls behind gets a fresh snapshot instead of a gap.
type Bus struct {
	mu          sync.Mutex
	seq         uint64
	mirror      map[Entity]*entityMirror
	subscribers map[uint64]*Subscription
	nextID      uint64
	closed      bool

	bufferSize        int
	mirrorLimit       int
	heartbeatInterval time.Duration
	playback          func() PlaybackState

	overflows metric.Int64Counter
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		mirror: map[Entity]*entityMirror{
			EntityBlock:    {values: map[int64]any{}},
			EntityTimeline: {values: map[int64]any{}},
		},
		subscribers:       map[uint64]*Subscription{},
		bufferSize:        DefaultBufferSize,
		heartbeatInterval: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.overflows, _ = meter.Int64Counter("distribution.subscriber.overflows",
		metric.WithDescription("Subscriber queues replaced by a snapshot after overflowing"))
	return b
}

// Publish applies the update to the mirror and queues it for every
// subscriber. It returns the sequence number assigned to the update.
func (b *Bus) Publish(update Update) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.seq
	}

	b.seq++
	if mirror, ok := b.mirror[update.Entity]; ok && update.Value != nil {
		mirror.put(update.ID, update.Value)
		mirror.trim(b.mirrorLimit)
	}

	msg := Message{Kind: KindStateUpdate, Seq: b.seq, ServerTime: time.Now(), Update: &update}
	for _, sub := range b.subscribers {
		if !sub.push(msg) {
			sub.reset(b.snapshotMessageLocked())
			b.overflows.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("entity", string(update.Entity))))
			logger.Warn("subscriber fell behind, resending snapshot", "subscriber", sub.id, "seq", b.seq)
		}
	}
	return b.seq
}

// Subscribe registers a subscriber whose first message is a snapshot of the
// state at this instant, followed only by later updates.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := newSubscription(b, b.nextID, b.bufferSize)
	if b.closed {
		sub.close()
		return sub
	}

	sub.reset(b.snapshotMessageLocked())
	b.subscribers[sub.id] = sub
	return sub
}

// Snapshot returns the mirrored state and the sequence number it is current to.
func (b *Bus) Snapshot() (Snapshot, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := b.snapshotMessageLocked()
	return *msg.Snapshot, msg.Seq
}

func (b *Bus) snapshotMessageLocked() Message {
	return Message{
		Kind:       KindSnapshot,
		Seq:        b.seq,
		ServerTime: time.Now(),
		Snapshot: &Snapshot{
			Blocks:   b.mirror[EntityBlock].list(),
			Timeline: b.mirror[EntityTimeline].list(),
		},
	}
}

// Heartbeat sends the current playback state to every subscriber. A
// subscriber with a full queue simply misses it.
func (b *Bus) Heartbeat() {
	state := PlaybackState{}
	if b.playback != nil {
		state = b.playback()
	}
	if state.ServerTime.IsZero() {
		state.ServerTime = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	msg := Message{Kind: KindHeartbeat, Seq: b.seq, ServerTime: state.ServerTime, Playback: &state}
	for _, sub := range b.subscribers {
		sub.push(msg)
	}
}

// Run emits heartbeats until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Heartbeat()
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subscribers {
		sub.close()
		delete(b.subscribers, id)
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}
