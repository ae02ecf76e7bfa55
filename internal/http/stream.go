package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleEvents streams a run's events as Server-Sent Events, history
// first. Each event is one "data: <json>" frame; comment heartbeats keep
// proxies from timing out. The response ends after the terminal event.
//
//	GET /api/v1/runs/{run_id}/events
//
//	data: {"event_type":"start","stage":"init","message":"...","data":{...}}
//
//	data: {"event_type":"progress","stage":"document_parser",...}
func (s *Server) handleEvents(c echo.Context) error {
	ctx := c.Request().Context()
	ch, err := s.deps.Runs.Subscribe(ctx, c.Param("run_id"))
	if err != nil {
		return err
	}

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("encoding event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
				return nil
			}
			c.Response().Flush()

		case <-ticker.C:
			fmt.Fprint(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-ctx.Done():
			return nil
		}
	}
}

// handleWebSocket streams a run's events as one JSON text frame per event
// and accepts {"type":"feedback","feedback":"approved"} frames. The server
// closes the connection after the terminal event.
func (s *Server) handleWebSocket(c echo.Context) error {
	runID := c.Param("run_id")
	// Resolve the run before upgrading so unknown runs get a plain 404.
	if _, err := s.deps.Runs.Get(c.Request().Context(), runID); err != nil {
		return err
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	ch, err := s.deps.Runs.Subscribe(ctx, runID)
	if err != nil {
		s.closeWS(conn, websocket.CloseInternalServerErr, err.Error())
		return nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	replies := make(chan any, 8)
	go s.readWS(ctx, cancel, conn, runID, replies)

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				s.closeWS(conn, websocket.CloseNormalClosure, "stream complete")
				return nil
			}
			if err := s.writeWS(conn, e); err != nil {
				return nil
			}
		case r := <-replies:
			if err := s.writeWS(conn, r); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// readWS handles inbound frames until the peer goes away.
func (s *Server) readWS(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, runID string, replies chan<- any) {
	defer cancel()
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		reply := map[string]any{"type": "feedback_ack", "run_id": runID}
		if msg.Type != "feedback" {
			reply = map[string]any{"type": "error", "message": fmt.Sprintf("unsupported message type %q", msg.Type)}
		} else if fb, err := pipeline.ParseFeedback(msg.Feedback); err != nil || fb == pipeline.FeedbackNone {
			reply = map[string]any{"type": "error", "message": "feedback must be approved, rejected or modified"}
		} else if err := s.deps.Runs.SubmitFeedback(ctx, runID, fb); err != nil {
			reply = map[string]any{"type": "error", "message": err.Error()}
		} else {
			reply["feedback"] = string(fb)
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *Server) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
