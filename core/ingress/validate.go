// Package ingress checks and normalizes events before they become blocks.
package ingress

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/koscakluka/ema-narrator/core/blocks"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrRateLimited  = errors.New("source rate limited")
)

// DefaultEventTypes are accepted from any source without an explicit list.
var DefaultEventTypes = []string{
	"tool_start",
	"tool_complete",
	"question",
	"error",
	"text",
	"done",
	"status",
	"notification",
}

// FieldError names the offending field of a rejected event.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidEvent
}

func invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type Option func(*Validator)

// WithEventTypes replaces the event types accepted from sources that have no
// list of their own.
func WithEventTypes(eventTypes ...string) Option {
	return func(v *Validator) {
		v.eventTypes = slices.Clone(eventTypes)
	}
}

// WithSourceEventTypes restricts a single source to its own event types.
func WithSourceEventTypes(sourceID string, eventTypes ...string) Option {
	return func(v *Validator) {
		v.sourceEventTypes[sourceID] = slices.Clone(eventTypes)
	}
}

// WithSourceCheck rejects events from sources the check does not know.
func WithSourceCheck(known func(sourceID string) bool) Option {
	return func(v *Validator) {
		v.knownSource = known
	}
}

func WithValidatorClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

type Validator struct {
	eventTypes       []string
	sourceEventTypes map[string][]string
	knownSource      func(string) bool
	now              func() time.Time
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		eventTypes:       slices.Clone(DefaultEventTypes),
		sourceEventTypes: map[string][]string{},
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Normalize returns a cleaned copy of the event, or an error wrapping
// ErrInvalidEvent that names the first offending field.
func (v *Validator) Normalize(event blocks.SourceEvent) (blocks.SourceEvent, error) {
	event.SourceID = strings.TrimSpace(event.SourceID)
	event.EventID = strings.TrimSpace(event.EventID)
	event.EventType = strings.ToLower(strings.TrimSpace(event.EventType))
	event.Priority = blocks.Priority(strings.ToLower(strings.TrimSpace(string(event.Priority))))
	event.Content = strings.TrimSpace(event.Content)
	event.Summary = strings.TrimSpace(event.Summary)

	switch {
	case event.SourceID == "":
		return event, invalid("source_id", "is required")
	case event.EventID == "":
		return event, invalid("event_id", "is required")
	case event.EventType == "":
		return event, invalid("event_type", "is required")
	case event.Priority == "":
		return event, invalid("priority", "is required")
	}

	if v.knownSource != nil && !v.knownSource(event.SourceID) {
		return event, invalid("source_id", "source %q is not registered", event.SourceID)
	}

	allowed := v.eventTypes
	if sourceTypes, ok := v.sourceEventTypes[event.SourceID]; ok {
		allowed = sourceTypes
	}
	if !slices.Contains(allowed, event.EventType) {
		return event, invalid("event_type", "%q is not accepted from %s", event.EventType, event.SourceID)
	}

	if !event.Priority.Valid() {
		return event, invalid("priority", "%q is not one of blocking, fyi, done, silent", event.Priority)
	}
	if event.Content == "" && event.Priority != blocks.PrioritySilent {
		return event, invalid("content", "is required for %s events", event.Priority)
	}
	if len(event.QuestionOptions) > 0 && event.Priority != blocks.PriorityBlocking {
		return event, invalid("question_options", "only blocking events ask questions")
	}
	event.QuestionOptions = slices.Clone(event.QuestionOptions)
	for i, option := range event.QuestionOptions {
		event.QuestionOptions[i] = strings.TrimSpace(option)
		if event.QuestionOptions[i] == "" {
			return event, invalid("question_options", "option %d is empty", i)
		}
	}

	if raw, ok := event.Metadata[blocks.TriggerKey]; ok {
		text, isString := raw.(string)
		if !isString {
			return event, invalid("metadata.trigger", "must be a string")
		}
		if _, err := blocks.ParseTrigger(text); err != nil {
			return event, invalid("metadata.trigger", "%v", err)
		}
	}

	if event.SourceType == "" {
		event.SourceType = event.SourceID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = v.now()
	}
	return event, nil
}
