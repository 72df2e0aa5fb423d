package blocks

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid block transition")
	ErrUnknownBlock      = errors.New("unknown block")
	// ErrAlreadyAnswered is an ErrInvalidTransition: a block takes one answer.
	ErrAlreadyAnswered = fmt.Errorf("%w: block already answered", ErrInvalidTransition)
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusGenerating, StatusFailed, StatusSkipped},
	StatusGenerating: {StatusReady, StatusFailed, StatusSkipped},
	StatusReady:      {StatusQueued, StatusFailed, StatusSkipped},
	StatusQueued:     {StatusPlaying, StatusFailed, StatusSkipped},
	StatusPlaying:    {StatusCompleted, StatusFailed, StatusSkipped},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Change describes one committed mutation of a block.
type Change struct {
	Block    Block
	Previous Status
	Created  bool
	Fields   []string
}

type ChangeHook func(Change)

type StoreOption func(*Store)

// WithChangeHook registers a hook that is called for every committed change,
// in commit order, while the store lock is held. Hooks must not call back
// into the Store.
func WithChangeHook(hook ChangeHook) StoreOption {
	return func(s *Store) {
		s.hooks = append(s.hooks, hook)
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store owns every block of a run. All mutation goes through its lock;
// readers only ever receive copies.
type Store struct {
	mu      sync.RWMutex
	blocks  []*Block
	byEvent map[string]int64
	hooks   []ChangeHook
	now     func() time.Time
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		byEvent: map[string]int64{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHook registers a change hook after construction.
func (s *Store) AddHook(hook ChangeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Create persists a pending block for the event with its chosen tier. A
// redelivered event returns the block created the first time and false; the
// tier and earcon of a redelivery are ignored.
func (s *Store) Create(event SourceEvent, earcon string, tier Tier) (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEvent[event.Key()]; ok {
		return s.blocks[id-1].clone(), false
	}

	now := s.now()
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}

	b := &Block{
		ID:              int64(len(s.blocks) + 1),
		SourceID:        event.SourceID,
		SourceType:      event.SourceType,
		EventID:         event.EventID,
		Type:            event.EventType,
		Priority:        event.Priority,
		Timestamp:       timestamp,
		Content:         event.Content,
		Summary:         event.Summary,
		QuestionOptions: slices.Clone(event.QuestionOptions),
		Metadata:        maps.Clone(event.Metadata),
		Earcon:          earcon,
		Status:          StatusPending,
		Tier:            tier,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.blocks = append(s.blocks, b)
	s.byEvent[event.Key()] = b.ID

	snapshot := b.clone()
	s.notify(Change{Block: snapshot, Created: true})
	return snapshot, true
}

func (s *Store) Get(id int64) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.lookup(id)
	if b == nil {
		return Block{}, false
	}
	return b.clone(), true
}

// Find returns the block created for an event, if it was seen before.
func (s *Store) Find(sourceID, eventID string) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEvent[SourceEvent{SourceID: sourceID, EventID: eventID}.Key()]
	if !ok {
		return Block{}, false
	}
	return s.blocks[id-1].clone(), true
}

func (s *Store) List() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b.clone())
	}
	return out
}

// ListSince returns the blocks whose event timestamp is at or after since.
func (s *Store) ListSince(since time.Time) []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Block
	for _, b := range s.blocks {
		if !b.Timestamp.Before(since) {
			out = append(out, b.clone())
		}
	}
	return out
}

// Mark moves a block to a new status and applies the update atomically.
// ErrInvalidTransition means the caller asked for an edge the lifecycle does
// not have; it is a programming error and never worth retrying.
func (s *Store) Mark(id int64, status Status, update Update) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.lookup(id)
	if b == nil {
		return Block{}, fmt.Errorf("%w: %d", ErrUnknownBlock, id)
	}

	previous := b.Status
	if !CanTransition(previous, status) {
		return b.clone(), fmt.Errorf("%w: block %d from %s to %s", ErrInvalidTransition, id, previous, status)
	}

	b.Status = status
	fields := append([]string{"status"}, update.apply(b)...)
	b.UpdatedAt = s.now()

	snapshot := b.clone()
	s.notify(Change{Block: snapshot, Previous: previous, Fields: fields})
	return snapshot, nil
}

// Apply changes block fields without touching its status.
func (s *Store) Apply(id int64, update Update) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.lookup(id)
	if b == nil {
		return Block{}, fmt.Errorf("%w: %d", ErrUnknownBlock, id)
	}

	fields := update.apply(b)
	if len(fields) == 0 {
		return b.clone(), nil
	}
	b.UpdatedAt = s.now()

	snapshot := b.clone()
	s.notify(Change{Block: snapshot, Previous: b.Status, Fields: fields})
	return snapshot, nil
}

// Answer records the response to a block exactly once. A second answer is
// refused with ErrAlreadyAnswered and the block keeps the first.
func (s *Store) Answer(id int64, response string) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.lookup(id)
	if b == nil {
		return Block{}, fmt.Errorf("%w: %d", ErrUnknownBlock, id)
	}
	if b.Answered {
		return b.clone(), fmt.Errorf("%w: %d", ErrAlreadyAnswered, id)
	}

	answered := true
	fields := Update{Answered: &answered, Response: &response}.apply(b)
	b.UpdatedAt = s.now()

	snapshot := b.clone()
	s.notify(Change{Block: snapshot, Previous: b.Status, Fields: fields})
	return snapshot, nil
}

// ListByStatus returns the blocks in any of the given statuses, oldest first.
func (s *Store) ListByStatus(statuses ...Status) []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Block
	for _, b := range s.blocks {
		if slices.Contains(statuses, b.Status) {
			out = append(out, b.clone())
		}
	}
	return out
}

// Count returns how many blocks are currently in any of the given statuses.
func (s *Store) Count(statuses ...Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, b := range s.blocks {
		if slices.Contains(statuses, b.Status) {
			count++
		}
	}
	return count
}

func (s *Store) lookup(id int64) *Block {
	if id < 1 || id > int64(len(s.blocks)) {
		return nil
	}
	return s.blocks[id-1]
}

func (s *Store) notify(change Change) {
	for _, hook := range s.hooks {
		hook(change)
	}
}
