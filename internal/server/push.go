package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pushWriteTimeout  = 10 * time.Second
	pushPingInterval  = 30 * time.Second
	pushReadDeadline  = 75 * time.Second
	pushReadSizeLimit = 1024
)

var pushUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handlePush upgrades the connection to a websocket and streams the user's
// feed events until the client disconnects. The session token arrives either
// in the Authorization header or, for browser clients, as a query parameter.
func (h *httpHandler) handlePush(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if token := c.Query("token"); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "session token rejected"})
		return
	}
	userID := claims.UserID()

	conn, err := pushUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("push upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	conn.SetReadLimit(pushReadSizeLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pushReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pushReadDeadline))
	})

	// The client never sends application frames; the read loop exists to
	// surface disconnects and service pong frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(pushPingInterval)
	defer pings.Stop()

	for {
		select {
		case event, open := <-stream:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("push write failed",
					zap.String("user_id", userID),
					zap.Error(err))
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
