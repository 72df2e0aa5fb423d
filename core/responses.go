package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/events"
	"github.com/koscakluka/ema-narrator/core/ingress"
	"github.com/koscakluka/ema-narrator/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RouteResponse records the listener's answer on the block, releases a
// blocking wait and delivers the answer to the block's source. A block
// takes one answer; later ones fail with blocks.ErrAlreadyAnswered.
// ErrSourceUnavailable means the answer was recorded but delivery is
// deferred until the source reconnects.
func (n *Narrator) RouteResponse(ctx context.Context, blockID int64, text string) error {
	ctx, span := tracer.Start(ctx, "route response", trace.WithAttributes(attribute.Int64("block.id", blockID)))
	defer span.End()

	block, ok := n.store.Get(blockID)
	if !ok {
		err := fmt.Errorf("%w: %d", blocks.ErrUnknownBlock, blockID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown block")
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &ingress.FieldError{Field: "response_text", Reason: "is required"}
	}

	answer := canonicalAnswer(block.QuestionOptions, text)
	if _, err := n.store.Answer(blockID, answer); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record response")
		return err
	}

	response := Response{
		BlockID:    block.ID,
		SourceID:   block.SourceID,
		EventID:    block.EventID,
		Text:       answer,
		Options:    block.QuestionOptions,
		AnsweredAt: time.Now(),
	}
	span.SetAttributes(attribute.String("source.id", block.SourceID))

	if err := n.registry.Deliver(ctx, response); err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			span.SetAttributes(attribute.Bool("response.pending", true))
			n.emit(events.NewResponsePending(block.ID, block.SourceID))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delivery failed")
		}
		return err
	}
	n.emit(events.NewResponseRouted(block.ID, block.SourceID, answer))
	return nil
}

// RouteVoiceResponse transcribes a recorded answer and routes the text. The
// transcript is returned even when delivery is deferred.
func (n *Narrator) RouteVoiceResponse(ctx context.Context, blockID int64, clip []byte, encoding audio.EncodingInfo) (string, error) {
	ctx, span := tracer.Start(ctx, "route voice response", trace.WithAttributes(
		attribute.Int64("block.id", blockID),
		attribute.Int("audio.bytes", len(clip)),
	))
	defer span.End()

	if n.transcriber == nil {
		return "", ErrNoTranscriber
	}
	block, ok := n.store.Get(blockID)
	if !ok {
		return "", fmt.Errorf("%w: %d", blocks.ErrUnknownBlock, blockID)
	}
	if block.Answered {
		return "", fmt.Errorf("%w: %d", blocks.ErrAlreadyAnswered, blockID)
	}

	var opts []speechtotext.TranscriptionOption
	if !encoding.IsZero() {
		opts = append(opts, speechtotext.WithEncodingInfo(encoding))
	}
	transcript, err := n.transcriber.TranscribeClip(ctx, clip, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return "", fmt.Errorf("failed to transcribe response: %w", err)
	}
	return transcript, n.RouteResponse(ctx, blockID, transcript)
}

// canonicalAnswer maps text onto one of the offered options, ignoring case
// and trailing punctuation. Anything else is kept as given.
func canonicalAnswer(options []string, text string) string {
	trimmed := strings.TrimRight(text, ".!? ")
	for _, option := range options {
		if strings.EqualFold(option, text) || strings.EqualFold(option, trimmed) {
			return option
		}
	}
	return text
}

// runRouting redelivers retained responses when sources come back and drops
// them when they expire. Sources that refused a delivery are retried with
// backoff until one attempt goes through.
func (n *Narrator) runRouting(ctx context.Context) error {
	interval := min(max(n.registry.TTL()/2, 10*time.Millisecond), time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retry := n.registry.redeliveryBackoff()
	var retryDue <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, expired := range n.registry.Expire(now) {
				logger.Warn("response expired before delivery", "block_id", expired.BlockID, "source_id", expired.SourceID)
				n.emit(events.NewResponseExpired(expired.BlockID, expired.SourceID))
			}
		case <-n.registry.flushSignal:
			n.emitRouted(n.registry.Flush(ctx))
		case <-retryDue:
			retryDue = nil
			n.emitRouted(n.registry.Retry(ctx))
		}

		switch {
		case !n.registry.Stalled():
			retryDue = nil
			retry.Reset()
		case retryDue == nil:
			wait := retry.NextBackOff()
			logger.Debug("scheduling response redelivery", "in", wait)
			retryDue = time.After(wait)
		}
	}
}

func (n *Narrator) emitRouted(delivered []Response) {
	for _, response := range delivered {
		n.emit(events.NewResponseRouted(response.BlockID, response.SourceID, response.Text))
	}
}
