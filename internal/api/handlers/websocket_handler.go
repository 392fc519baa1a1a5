package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/state"
	"github.com/sqp-sync/backend/pkg/logger"
)

const streamBuffer = 32

// WebSocketHandler streams pipeline status changes to dashboards.
type WebSocketHandler struct {
	state *state.Manager
}

func NewWebSocketHandler(manager *state.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		state: manager,
	}
}

// Upgrade rejects plain HTTP requests on websocket routes.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection sends the current state, then one message per transition
// until the client goes away.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	events, cancel := h.state.Subscribe(streamBuffer)
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	st, err := h.state.State(context.Background())
	if err != nil {
		logger.Error("Failed to load pipeline state", zap.Error(err))
		h.sendError(c, "Failed to load pipeline state")
		return
	}
	if err := c.WriteJSON(map[string]interface{}{"type": "state", "state": st}); err != nil {
		return
	}

	// Clients only send close frames; a read error means the peer is gone.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(map[string]interface{}{"type": "transition", "event": e}); err != nil {
				logger.Warn("Failed to write pipeline event", zap.Error(err))
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
