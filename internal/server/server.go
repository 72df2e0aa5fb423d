// Package server exposes the narrator over HTTP: event ingress, listener
// responses, block control, the timeline and the live observer stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	narration "github.com/koscakluka/ema-narrator/core"
	"github.com/koscakluka/ema-narrator/core/audio"
	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/distribution"
	"github.com/koscakluka/ema-narrator/core/timeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Narrator is the part of *narration.Narrator the HTTP surface drives.
type Narrator interface {
	Submit(ctx context.Context, event blocks.SourceEvent) (narration.Receipt, error)
	RouteResponse(ctx context.Context, blockID int64, text string) error
	RouteVoiceResponse(ctx context.Context, blockID int64, clip []byte, encoding audio.EncodingInfo) (string, error)
	Skip(ctx context.Context, blockID int64) (blocks.Block, error)
	SetMusic(track narration.NowPlaying)
	MusicStopped()
	PlaybackState() distribution.PlaybackState
	Store() *blocks.Store
	Tracker() *timeline.Tracker
	Bus() *distribution.Bus
}

// TimelineArchive answers window queries from persisted history.
// *archive.Archive implements it.
type TimelineArchive interface {
	Window(ctx context.Context, from, to time.Time) ([]timeline.Event, error)
}

type Option func(*Server)

func WithArchive(archive TimelineArchive) Option {
	return func(s *Server) { s.archive = archive }
}

// WithStationName is reported by /healthz.
func WithStationName(name string) Option {
	return func(s *Server) { s.station = name }
}

// WithMaxVoiceBytes caps uploaded voice answers.
func WithMaxVoiceBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxVoiceBytes = n
		}
	}
}

type Server struct {
	narrator      Narrator
	archive       TimelineArchive
	station       string
	maxVoiceBytes int64
	startedAt     time.Time

	engine *gin.Engine
}

func New(narrator Narrator, opts ...Option) *Server {
	s := &Server{
		narrator:      narrator,
		maxVoiceBytes: 10 << 20,
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/v1")
	api.POST("/events", s.createEvent)
	api.GET("/schema/source-event", s.sourceEventSchema)

	api.POST("/responses", s.createResponse)
	api.POST("/responses/:block_id/voice", s.createVoiceResponse)

	api.GET("/blocks", s.listBlocks)
	api.GET("/blocks/:id", s.getBlock)
	api.POST("/blocks/:id/skip", s.skipBlock)

	api.POST("/music/now-playing", s.nowPlaying)
	api.POST("/music/stopped", s.musicStopped)

	api.GET("/timeline", s.timelineWindow)
	api.GET("/timeline/stream", s.streamSSE)
	api.GET("/ws", s.streamWebsocket)

	s.engine = engine
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Handler wraps the engine with server-side tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.engine, "narrator.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
// WriteTimeout is unset because the stream endpoints stay open.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"station":     s.station,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"subscribers": s.narrator.Bus().SubscriberCount(),
		"playback":    s.narrator.PlaybackState(),
	})
}
