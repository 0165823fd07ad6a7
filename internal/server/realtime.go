package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// handleRealtime upgrades to a websocket, waits for one subscribe frame and then
// streams the caller's change events, with heartbeat frames in between.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	principal := c.GetString(userIDContextKey)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var request remote.Frame
	if err := conn.ReadJSON(&request); err != nil {
		h.logger.Info("realtime subscribe not received", zap.String("user_id", principal), zap.Error(err))
		return
	}
	if request.Type != remote.FrameSubscribe {
		writeFrame(conn, remote.Frame{Type: remote.FrameError, Error: remote.NewError(remote.CodeInvalid, "expected subscribe frame")})
		return
	}
	if request.Owner != "" && request.Owner != principal {
		writeFrame(conn, remote.Frame{Type: remote.FrameError, Error: remote.NewError(remote.CodeForbidden, "channel owner mismatch")})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup, err := h.store.Subscribe(ctx, principal, request.Tables)
	if err != nil {
		code := remote.CodeOf(err)
		writeFrame(conn, remote.Frame{Type: remote.FrameError, Error: remote.NewError(code, err.Error())})
		return
	}
	defer cleanup()
	if err := writeFrame(conn, remote.Frame{Type: remote.FrameSubscribed, Tables: request.Tables}); err != nil {
		return
	}
	h.logger.Debug("realtime subscribed", zap.String("user_id", principal), zap.Strings("tables", request.Tables))

	// The client sends nothing after subscribing; reading surfaces its close.
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := writeFrame(conn, remote.Frame{Type: remote.FrameEvent, Event: &event}); err != nil {
				h.logger.Info("realtime write failed", zap.String("user_id", principal), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := writeFrame(conn, remote.Frame{Type: remote.FrameHeartbeat}); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame remote.Frame) error {
	conn.SetWriteDeadline(time.Now().Add(realtimeWriteLimit))
	return conn.WriteJSON(frame)
}
