package groq

import (
	"context"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-narrator/core/llms"
)

const summaryInstructions = `You narrate what an AI coding agent is doing to a listener who cannot see the screen.
Rewrite the event as one short spoken sentence. Do not read out code, paths or ids.
Keep it under %d words.`

type spokenSummary struct {
	Summary string `json:"summary" jsonschema:"description=One short sentence meant to be spoken aloud"`
}

func (c *Client) Summarize(ctx context.Context, req llms.SummaryRequest) (string, error) {
	maxWords := req.MaxWords
	if maxWords <= 0 {
		maxWords = 15
	}

	prompt := fmt.Sprintf("Source: %s\nEvent: %s\n\n%s", req.SourceType, req.EventType, req.Content)
	output, usage, err := promptJSONSchema[spokenSummary](ctx, c, prompt, fmt.Sprintf(summaryInstructions, maxWords))
	if err != nil {
		return "", fmt.Errorf("failed to summarize event: %w", err)
	}

	summary := strings.TrimSpace(output.Summary)
	if summary == "" {
		return "", llms.ErrEmptySummary
	}
	logger.Debug("event summarized", "event_type", req.EventType, "tokens", usage.TotalTokens)
	return summary, nil
}
