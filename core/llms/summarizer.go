package llms

import (
	"context"
	"errors"
)

var ErrEmptySummary = errors.New("summarizer returned an empty summary")

// SummaryRequest describes one narrated event that needs a shorter spoken
// form.
type SummaryRequest struct {
	SourceType string
	EventType  string
	Content    string
	// MaxWords is a soft limit passed to the model.
	MaxWords int
}

// Summarizer shortens event content for the summary tier.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
