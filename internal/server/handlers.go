package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	narration "github.com/koscakluka/ema-narrator/core"
	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/ingress"
	"go.opentelemetry.io/otel/attribute"
)

const (
	codeInvalidEvent      = "InvalidEvent"
	codeRateLimited       = "RateLimited"
	codeUnknownBlock      = "UnknownBlock"
	codeInvalidTransition = "InvalidTransition"
	codeAlreadyAnswered   = "AlreadyAnswered"
	codeSourceUnavailable = "SourceUnavailable"
	codeUnavailable       = "Unavailable"
	codeInternal          = "Internal"
)

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// writeNarratorError maps narrator sentinels onto status codes.
func writeNarratorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ingress.ErrInvalidEvent):
		writeError(c, http.StatusBadRequest, codeInvalidEvent, err.Error())
	case errors.Is(err, ingress.ErrRateLimited):
		writeError(c, http.StatusTooManyRequests, codeRateLimited, err.Error())
	case errors.Is(err, blocks.ErrUnknownBlock):
		writeError(c, http.StatusNotFound, codeUnknownBlock, err.Error())
	case errors.Is(err, blocks.ErrAlreadyAnswered):
		writeError(c, http.StatusConflict, codeAlreadyAnswered, err.Error())
	case errors.Is(err, blocks.ErrInvalidTransition):
		writeError(c, http.StatusConflict, codeInvalidTransition, err.Error())
	case errors.Is(err, narration.ErrClosed), errors.Is(err, narration.ErrNoTranscriber):
		writeError(c, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func (s *Server) createEvent(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidEvent, "failed to read request body")
		return
	}
	event, err := ingress.ValidatePayload(raw)
	if err != nil {
		eventsReceived.WithLabelValues("invalid").Inc()
		writeNarratorError(c, err)
		return
	}

	receipt, err := s.narrator.Submit(c.Request.Context(), event)
	switch {
	case errors.Is(err, ingress.ErrRateLimited):
		eventsReceived.WithLabelValues("rate_limited").Inc()
		writeNarratorError(c, err)
	case errors.Is(err, ingress.ErrInvalidEvent):
		eventsReceived.WithLabelValues("invalid").Inc()
		writeNarratorError(c, err)
	case err != nil:
		writeNarratorError(c, err)
	case receipt.Duplicate:
		eventsReceived.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"block_id": receipt.BlockID, "duplicate": true})
	default:
		eventsReceived.WithLabelValues("created").Inc()
		c.JSON(http.StatusCreated, gin.H{"block_id": receipt.BlockID})
	}
}

func (s *Server) sourceEventSchema(c *gin.Context) {
	schema, err := ingress.SourceEventSchema()
	if err != nil {
		writeNarratorError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/schema+json", schema)
}

type responseRequest struct {
	BlockID      int64  `json:"block_id" binding:"required"`
	ResponseText string `json:"response_text"`
}

func (s *Server) createResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidEvent, "invalid response payload: "+err.Error())
		return
	}
	s.finishResponse(c, s.narrator.RouteResponse(c.Request.Context(), req.BlockID, req.ResponseText), nil)
}

func (s *Server) createVoiceResponse(c *gin.Context) {
	blockID, ok := blockIDParam(c, "block_id")
	if !ok {
		return
	}

	encoding := audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingLinear16}
	if name := c.Query("encoding"); name != "" {
		format, ok := audio.ParseEncodingFormat(name)
		if !ok {
			writeError(c, http.StatusBadRequest, codeInvalidEvent, "unsupported encoding "+strconv.Quote(name))
			return
		}
		encoding.Format = format
	}
	if rate := c.Query("sample_rate"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, codeInvalidEvent, "sample_rate must be a positive integer")
			return
		}
		encoding.SampleRate = n
	}

	clip, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxVoiceBytes+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidEvent, "failed to read audio")
		return
	}
	if int64(len(clip)) > s.maxVoiceBytes {
		writeError(c, http.StatusRequestEntityTooLarge, codeInvalidEvent, "voice clip too large")
		return
	}
	if len(clip) == 0 {
		writeError(c, http.StatusBadRequest, codeInvalidEvent, "voice clip is empty")
		return
	}

	transcript, err := s.narrator.RouteVoiceResponse(c.Request.Context(), blockID, clip, encoding)
	s.finishResponse(c, err, gin.H{"transcript": transcript})
}

func (s *Server) finishResponse(c *gin.Context, err error, extra gin.H) {
	body := gin.H{}
	for k, v := range extra {
		body[k] = v
	}
	switch {
	case err == nil:
		responsesRouted.WithLabelValues("delivered").Inc()
		body["status"] = "delivered"
		c.JSON(http.StatusOK, body)
	case errors.Is(err, narration.ErrSourceUnavailable):
		responsesRouted.WithLabelValues("pending").Inc()
		body["status"] = "pending"
		body["code"] = codeSourceUnavailable
		c.JSON(http.StatusAccepted, body)
	default:
		responsesRouted.WithLabelValues("rejected").Inc()
		writeNarratorError(c, err)
	}
}

func (s *Server) listBlocks(c *gin.Context) {
	store := s.narrator.Store()
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidEvent, "since must be RFC3339")
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocks": nonNil(store.ListSince(since))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": nonNil(store.List())})
}

func (s *Server) getBlock(c *gin.Context) {
	id, ok := blockIDParam(c, "id")
	if !ok {
		return
	}
	block, found := s.narrator.Store().Get(id)
	if !found {
		writeError(c, http.StatusNotFound, codeUnknownBlock, "block "+strconv.FormatInt(id, 10)+" not found")
		return
	}
	c.JSON(http.StatusOK, block)
}

func (s *Server) skipBlock(c *gin.Context) {
	id, ok := blockIDParam(c, "id")
	if !ok {
		return
	}
	block, err := s.narrator.Skip(c.Request.Context(), id)
	if err != nil {
		writeNarratorError(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

type nowPlayingRequest struct {
	Title           string  `json:"title" binding:"required"`
	Artist          string  `json:"artist"`
	DurationSeconds float64 `json:"duration_seconds" binding:"gte=0"`
}

func (s *Server) nowPlaying(c *gin.Context) {
	var req nowPlayingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidEvent, "invalid track payload: "+err.Error())
		return
	}
	s.narrator.SetMusic(narration.NowPlaying{
		Title:    req.Title,
		Artist:   req.Artist,
		Duration: time.Duration(req.DurationSeconds * float64(time.Second)),
	})
	c.JSON(http.StatusOK, gin.H{"status": "playing"})
}

func (s *Server) musicStopped(c *gin.Context) {
	s.narrator.MusicStopped()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// timelineWindow defaults to the last hour.
func (s *Server) timelineWindow(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "timeline window")
	defer span.End()

	to := time.Now()
	from := to.Add(-time.Hour)
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidEvent, "from must be RFC3339")
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidEvent, "to must be RFC3339")
			return
		}
	}
	if to.Before(from) {
		writeError(c, http.StatusBadRequest, codeInvalidEvent, "to must not be before from")
		return
	}

	source := "memory"
	if s.archive != nil {
		source = "archive"
		events, err := s.archive.Window(ctx, from, to)
		if err != nil {
			writeNarratorError(c, err)
			return
		}
		span.SetAttributes(attribute.String("timeline.source", source), attribute.Int("timeline.events", len(events)))
		c.JSON(http.StatusOK, gin.H{"source": source, "events": nonNil(events)})
		return
	}

	events := s.narrator.Tracker().Window(from, to)
	span.SetAttributes(attribute.String("timeline.source", source), attribute.Int("timeline.events", len(events)))
	c.JSON(http.StatusOK, gin.H{"source": source, "events": nonNil(events)})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func blockIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, codeInvalidEvent, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}
