package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/events"
	"github.com/koscakluka/ema-narrator/core/llms"
	"github.com/koscakluka/ema-narrator/core/texttospeech"
	"github.com/koscakluka/ema-narrator/core/timeline"
	"github.com/koscakluka/ema-narrator/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const summaryMaxWords = 25

// runGeneration keeps the lookahead filled. It is the only writer of the
// pending -> generating edge.
func (n *Narrator) runGeneration(ctx context.Context) error {
	defer func() {
		n.cancelGenerations()
		n.generations.Wait()
	}()

	for {
		n.scheduleGenerations(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-n.generationSignal:
		}
	}
}

func (n *Narrator) scheduleGenerations(ctx context.Context) {
	for ctx.Err() == nil {
		if n.store.Count(blocks.StatusGenerating, blocks.StatusReady, blocks.StatusQueued) >= n.lookahead {
			return
		}
		next, ok := n.nextPending()
		if !ok {
			return
		}

		if next.Tier == blocks.TierEarcon {
			n.prepareEarcon(next)
			continue
		}

		if int(n.activeGenerations.Load()) >= n.maxConcurrentGenerations {
			return
		}

		generationCtx, cancel := context.WithCancel(ctx)
		n.generationMu.Lock()
		n.inflight[next.ID] = cancel
		n.generationMu.Unlock()

		block, err := n.store.Mark(next.ID, blocks.StatusGenerating, blocks.Update{})
		if err != nil {
			n.cancelGeneration(next.ID)
			logger.Debug("block left pending before generation", "block_id", next.ID, "error", err)
			continue
		}

		n.generations.Add(1)
		n.activeGenerations.Add(1)
		go func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					n.degrade(block, fmt.Errorf("%w: synthesis panicked: %v", ErrGenerationFailure, recovered))
				}
				n.cancelGeneration(block.ID)
				n.activeGenerations.Add(-1)
				n.signalGeneration()
				n.generations.Done()
			}()
			n.generate(generationCtx, block)
		}()
	}
}

// nextPending returns the oldest pending blocking block, or failing that
// the oldest pending block.
func (n *Narrator) nextPending() (blocks.Block, bool) {
	pending := n.store.ListByStatus(blocks.StatusPending)
	if len(pending) == 0 {
		return blocks.Block{}, false
	}
	for _, block := range pending {
		if block.Priority == blocks.PriorityBlocking {
			return block, true
		}
	}
	return pending[0], true
}

func (n *Narrator) prepareEarcon(block blocks.Block) {
	if _, err := n.store.Mark(block.ID, blocks.StatusGenerating, blocks.Update{}); err != nil {
		return
	}
	if _, err := n.store.Mark(block.ID, blocks.StatusReady, blocks.Update{}); err != nil {
		return
	}
	n.emit(events.NewBlockTTSReady(block.ID, string(blocks.TierEarcon)))
}

func (n *Narrator) generate(ctx context.Context, block blocks.Block) {
	ctx, span := tracer.Start(ctx, "generate block", trace.WithAttributes(
		attribute.Int64("block.id", block.ID),
		attribute.String("block.tier", string(block.Tier)),
		attribute.String("block.priority", string(block.Priority)),
	))
	defer span.End()

	text, isSummary := n.speechText(ctx, block)
	if strings.TrimSpace(text) == "" && block.Tier == blocks.TierSummary {
		n.demoteToEarcon(block)
		return
	}
	apiEvent := n.tracker.Start(timeline.LaneAPI, "tts_generate", fmt.Sprintf("Synthesize block %d", block.ID), map[string]any{
		"block_id": block.ID,
		"tier":     block.Tier,
	})

	speech, usedSummary, err := n.synthesizeWithFallback(ctx, block, text, isSummary)
	if ctx.Err() != nil {
		_, _ = n.tracker.End(apiEvent.ID, timeline.StatusCancelled, nil)
		span.SetAttributes(attribute.Bool("block.cancelled", true))
		logger.Debug("generation abandoned", "block_id", block.ID)
		return
	}
	if err != nil {
		_, _ = n.tracker.End(apiEvent.ID, timeline.StatusFailed, map[string]any{"error": err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		n.degrade(block, err)
		return
	}
	_, _ = n.tracker.End(apiEvent.ID, timeline.StatusCompleted, map[string]any{"duration_seconds": speech.Duration.Seconds()})

	ref := blocks.AudioRef{Ref: speech.Path, Duration: speech.Duration}
	update := blocks.Update{}
	tier := block.Tier
	if usedSummary {
		update.TTSSummary = &ref
		tier = blocks.TierSummary
		update.Tier = &tier
	} else {
		update.TTSFull = &ref
	}

	if _, err := n.store.Mark(block.ID, blocks.StatusReady, update); err != nil {
		if errors.Is(err, blocks.ErrInvalidTransition) {
			logger.Debug("discarding speech for block that moved on", "block_id", block.ID, "error", err)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark block ready")
		logger.Error("failed to mark block ready", "block_id", block.ID, "error", err)
		return
	}
	n.emit(events.NewBlockTTSReady(block.ID, string(tier)))
}

// speechText picks what to say for the block's tier. The second result
// reports whether the text is a summary. A summary-tier block without any
// summary gets no text and is demoted to an earcon.
func (n *Narrator) speechText(ctx context.Context, block blocks.Block) (string, bool) {
	if block.Tier != blocks.TierSummary {
		if strings.TrimSpace(block.Content) == "" {
			return block.Summary, true
		}
		return block.Content, false
	}
	if block.Summary != "" {
		return block.Summary, true
	}
	if n.summarizer == nil {
		return "", true
	}
	summary, err := n.summarizer.Summarize(ctx, llms.SummaryRequest{
		SourceType: block.SourceType,
		EventType:  block.Type,
		Content:    block.Content,
		MaxWords:   summaryMaxWords,
	})
	if err != nil {
		logger.Warn("failed to summarize block", "block_id", block.ID, "error", err)
		return "", true
	}
	return summary, true
}

// synthesizeWithFallback retries once, then falls back to the block's
// summary if that was not already the text.
func (n *Narrator) synthesizeWithFallback(ctx context.Context, block blocks.Block, text string, isSummary bool) (texttospeech.Speech, bool, error) {
	if n.synthesizer == nil {
		return texttospeech.Speech{}, false, fmt.Errorf("%w: no synthesizer configured", ErrGenerationFailure)
	}

	kind := "full"
	if isSummary {
		kind = "summary"
	}
	speech, err := n.synthesizeAttempt(ctx, block.ID, text, kind)
	if err == nil || ctx.Err() != nil {
		return speech, isSummary, err
	}
	logger.Warn("synthesis failed, retrying", "block_id", block.ID, "error", err)

	speech, retryErr := n.synthesizeAttempt(ctx, block.ID, text, kind)
	if retryErr == nil || ctx.Err() != nil {
		return speech, isSummary, retryErr
	}
	err = errors.Join(err, retryErr)

	if !isSummary && block.Summary != "" && block.Summary != text {
		logger.Warn("synthesis failed twice, falling back to summary", "block_id", block.ID, "error", retryErr)
		speech, summaryErr := n.synthesizeAttempt(ctx, block.ID, block.Summary, "summary")
		if summaryErr == nil {
			return speech, true, nil
		}
		err = errors.Join(err, summaryErr)
	}
	return texttospeech.Speech{}, false, err
}

func (n *Narrator) synthesizeAttempt(ctx context.Context, blockID int64, text, kind string) (texttospeech.Speech, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, n.generationTimeout)
	defer cancel()

	speech, err := n.synthesizer.Synthesize(attemptCtx, text,
		texttospeech.WithFileName(fmt.Sprintf("block-%d-%s.wav", blockID, kind)))
	if err != nil {
		return speech, fmt.Errorf("%w: block %d: %w", ErrGenerationFailure, blockID, err)
	}
	return speech, nil
}

func (n *Narrator) demoteToEarcon(block blocks.Block) {
	tier := blocks.TierEarcon
	if _, err := n.store.Mark(block.ID, blocks.StatusReady, blocks.Update{Tier: &tier}); err != nil {
		logger.Debug("block left generation before demotion", "block_id", block.ID, "error", err)
		return
	}
	n.emit(events.NewBlockTTSReady(block.ID, string(tier)))
}

// degrade skips a block whose speech could not be produced. Playback moves
// on; observers hear about it as a degraded system event.
func (n *Narrator) degrade(block blocks.Block, err error) {
	const reason = "generation_failed"
	logger.Error("skipping block after generation failures", "block_id", block.ID, "error", err)
	if _, markErr := n.store.Mark(block.ID, blocks.StatusSkipped, blocks.Update{Reason: utils.Ptr(reason)}); markErr != nil {
		logger.Debug("block already left generation", "block_id", block.ID, "error", markErr)
		return
	}
	n.emit(events.NewBlockSkipped(block.ID, reason))
	n.emit(events.NewSystemDegraded(block.ID, reason))
}

func (n *Narrator) cancelGeneration(blockID int64) {
	n.generationMu.Lock()
	cancel, ok := n.inflight[blockID]
	delete(n.inflight, blockID)
	n.generationMu.Unlock()
	if ok {
		cancel()
	}
}

func (n *Narrator) cancelGenerations() {
	n.generationMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(n.inflight))
	for id, cancel := range n.inflight {
		cancels = append(cancels, cancel)
		delete(n.inflight, id)
	}
	n.generationMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
