package timeline

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

var (
	ErrUnknownEvent     = errors.New("unknown timeline event")
	ErrInvalidStatus    = errors.New("invalid timeline status change")
	ErrNotTerminalState = errors.New("timeline event can only end in a terminal status")
)

type Action string

const (
	ActionStart  Action = "start"
	ActionUpdate Action = "update"
	ActionEnd    Action = "end"
)

// Change is reported to hooks in commit order while the tracker lock is
// held. Fields lists what changed for updates.
type Change struct {
	Action Action
	Event  Event
	Fields []string
}

type Hook func(Change)

type TrackerOption func(*Tracker)

// WithConcurrentLanes marks lanes that may hold several active events at
// once, such as overlapping API calls.
func WithConcurrentLanes(lanes ...string) TrackerOption {
	return func(t *Tracker) {
		for _, lane := range lanes {
			t.concurrent[lane] = true
		}
	}
}

func WithHook(hook Hook) TrackerOption {
	return func(t *Tracker) {
		t.hooks = append(t.hooks, hook)
	}
}

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker keeps the timeline of a run and enforces one active event per
// lane, except on concurrent lanes.
type Tracker struct {
	mu         sync.RWMutex
	events     []*Event
	active     map[string]int64
	concurrent map[string]bool
	hooks      []Hook
	now        func() time.Time
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		active:     map[string]int64{},
		concurrent: map[string]bool{LaneAPI: true},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) AddHook(hook Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook)
}

// Schedule records upcoming work on a lane.
func (t *Tracker) Schedule(lane, eventType, title string, at time.Time, details map[string]any) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if at.IsZero() {
		at = t.now()
	}
	return t.createLocked(lane, eventType, title, StatusScheduled, at, details)
}

// Start records work that is happening now. Any other active event on a
// non-concurrent lane is completed first.
func (t *Tracker) Start(lane, eventType, title string, details map[string]any) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.supersedeLocked(lane, 0, now)
	return t.createLocked(lane, eventType, title, StatusActive, now, details)
}

// Activate moves a scheduled event to active.
func (t *Tracker) Activate(id int64, details map[string]any) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.lookup(id)
	if e == nil {
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownEvent, id)
	}
	if e.Status != StatusScheduled {
		return e.clone(), fmt.Errorf("%w: event %d is %s", ErrInvalidStatus, id, e.Status)
	}

	now := t.now()
	t.supersedeLocked(e.Lane, id, now)

	e.Status = StatusActive
	e.StartedAt = now
	fields := append([]string{"status", "started_at"}, mergeDetails(e, details)...)
	if !t.concurrent[e.Lane] {
		t.active[e.Lane] = e.ID
	}

	t.notify(Change{Action: ActionUpdate, Event: e.clone(), Fields: fields})
	return e.clone(), nil
}

// End moves an event into a terminal status. Ending a scheduled event is
// allowed and is how scheduled work gets cancelled.
func (t *Tracker) End(id int64, status Status, details map[string]any) (Event, error) {
	if !status.Terminal() {
		return Event{}, fmt.Errorf("%w: %s", ErrNotTerminalState, status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.lookup(id)
	if e == nil {
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownEvent, id)
	}
	if e.Status.Terminal() {
		return e.clone(), fmt.Errorf("%w: event %d already %s", ErrInvalidStatus, id, e.Status)
	}

	t.endLocked(e, status, t.now(), details)
	return e.clone(), nil
}

// Update merges details into a live event.
func (t *Tracker) Update(id int64, details map[string]any) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.lookup(id)
	if e == nil {
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownEvent, id)
	}
	if e.Status.Terminal() {
		return e.clone(), fmt.Errorf("%w: event %d already %s", ErrInvalidStatus, id, e.Status)
	}

	if fields := mergeDetails(e, details); len(fields) > 0 {
		t.notify(Change{Action: ActionUpdate, Event: e.clone(), Fields: fields})
	}
	return e.clone(), nil
}

func (t *Tracker) Get(id int64) (Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.lookup(id)
	if e == nil {
		return Event{}, false
	}
	return e.clone(), true
}

// Active returns the active event of a non-concurrent lane.
func (t *Tracker) Active(lane string) (Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.active[lane]
	if !ok {
		return Event{}, false
	}
	return t.lookup(id).clone(), true
}

// Window returns the events overlapping [from, to] in id order.
func (t *Tracker) Window(from, to time.Time) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Event
	for _, e := range t.events {
		if e.Overlaps(from, to) {
			out = append(out, e.clone())
		}
	}
	return out
}

func (t *Tracker) List() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Event, 0, len(t.events))
	for _, e := range t.events {
		out = append(out, e.clone())
	}
	return out
}

func (t *Tracker) createLocked(lane, eventType, title string, status Status, at time.Time, details map[string]any) Event {
	e := &Event{
		ID:        int64(len(t.events) + 1),
		Lane:      lane,
		EventType: eventType,
		Title:     title,
		Status:    status,
		StartedAt: at,
		Details:   maps.Clone(details),
	}
	t.events = append(t.events, e)
	if status == StatusActive && !t.concurrent[lane] {
		t.active[lane] = e.ID
	}

	t.notify(Change{Action: ActionStart, Event: e.clone()})
	return e.clone()
}

func (t *Tracker) supersedeLocked(lane string, except int64, now time.Time) {
	if t.concurrent[lane] {
		return
	}
	if id, ok := t.active[lane]; ok && id != except {
		t.endLocked(t.lookup(id), StatusCompleted, now, map[string]any{"superseded": true})
	}
}

func (t *Tracker) endLocked(e *Event, status Status, now time.Time, details map[string]any) {
	e.Status = status
	ended := now
	e.EndedAt = &ended
	mergeDetails(e, details)
	if t.active[e.Lane] == e.ID {
		delete(t.active, e.Lane)
	}

	t.notify(Change{Action: ActionEnd, Event: e.clone(), Fields: []string{"status", "ended_at"}})
}

func (t *Tracker) lookup(id int64) *Event {
	if id < 1 || id > int64(len(t.events)) {
		return nil
	}
	return t.events[id-1]
}

func (t *Tracker) notify(change Change) {
	for _, hook := range t.hooks {
		hook(change)
	}
}

func mergeDetails(e *Event, details map[string]any) []string {
	if len(details) == 0 {
		return nil
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	maps.Copy(e.Details, details)
	return []string{"details"}
}
