package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-narrator/core/distribution"
)

const (
	FrameSnapshot      = "snapshot"
	FrameBlockSnapshot = "block_snapshot"
	FramePlaybackState = "playback_state"
	FrameEventUpdate   = "event_update"
	FrameBlockUpdate   = "block_update"
	FrameSystem        = "system"

	wsWriteTimeout = 10 * time.Second
)

// Frame is one observer message. SSE sends Type as the event name and Data
// as the payload; the websocket sends the whole frame as JSON.
type Frame struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`
	Data any    `json:"data"`
}

type EventUpdate struct {
	Action distribution.Action `json:"action"`
	Event  any                 `json:"event"`
}

type BlockUpdate struct {
	Action distribution.Action `json:"action"`
	Block  any                 `json:"block"`
	Fields map[string]any      `json:"fields,omitempty"`
}

type SystemUpdate struct {
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Frames turns a bus message into observer frames. A snapshot becomes the
// timeline snapshot followed by the block snapshot.
func Frames(msg distribution.Message) []Frame {
	switch msg.Kind {
	case distribution.KindSnapshot:
		snapshot := distribution.Snapshot{}
		if msg.Snapshot != nil {
			snapshot = *msg.Snapshot
		}
		return []Frame{
			{Type: FrameSnapshot, Seq: msg.Seq, Data: nonNil(snapshot.Timeline)},
			{Type: FrameBlockSnapshot, Seq: msg.Seq, Data: nonNil(snapshot.Blocks)},
		}
	case distribution.KindHeartbeat:
		return []Frame{{Type: FramePlaybackState, Data: msg.Playback}}
	case distribution.KindStateUpdate:
		if msg.Update == nil {
			return nil
		}
		update := msg.Update
		switch update.Entity {
		case distribution.EntityTimeline:
			return []Frame{{Type: FrameEventUpdate, Seq: msg.Seq, Data: EventUpdate{Action: update.Action, Event: update.Value}}}
		case distribution.EntityBlock:
			return []Frame{{Type: FrameBlockUpdate, Seq: msg.Seq, Data: BlockUpdate{Action: update.Action, Block: update.Value, Fields: update.Fields}}}
		case distribution.EntitySystem:
			return []Frame{{Type: FrameSystem, Seq: msg.Seq, Data: SystemUpdate{Kind: update.Kind, Fields: update.Fields}}}
		}
	}
	return nil
}

// pump forwards bus messages to send until ctx is done, the bus closes or
// send fails.
func (s *Server) pump(ctx context.Context, send func(Frame) error) error {
	sub := s.narrator.Bus().Subscribe()
	defer sub.Close()

	for {
		msg, err := sub.Next(ctx)
		if errors.Is(err, distribution.ErrSubscriptionClosed) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, frame := range Frames(msg) {
			if err := send(frame); err != nil {
				return err
			}
		}
	}
}

func (s *Server) streamSSE(c *gin.Context) {
	streamSubscribers.WithLabelValues("sse").Inc()
	defer streamSubscribers.WithLabelValues("sse").Dec()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	err := s.pump(c.Request.Context(), func(frame Frame) error {
		event := sse.Event{Event: frame.Type, Data: frame.Data}
		if frame.Seq > 0 {
			event.Id = strconv.FormatUint(frame.Seq, 10)
		}
		if err := sse.Encode(c.Writer, event); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		logger.Debug("sse stream ended", "error", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamWebsocket sends frames until the client goes away. Anything the
// client sends is read and discarded.
func (s *Server) streamWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	streamSubscribers.WithLabelValues("websocket").Inc()
	defer streamSubscribers.WithLabelValues("websocket").Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn.SetReadLimit(4096)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.pump(ctx, func(frame Frame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(frame)
	})
	if err != nil {
		logger.Debug("websocket stream ended", "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
