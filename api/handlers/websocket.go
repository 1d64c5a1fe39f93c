package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/internal/ws"
)

// WebSocketHandler upgrades dashboard and agent connections.
type WebSocketHandler struct {
	hub *ws.Hub
	log zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, log: log}
}

// Connect handles GET /ws?role=&token=&deviceId=&name=.
//
// Rejected handshakes have already had their transport destroyed by the hub,
// so nothing may be written to the response here.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if err := h.hub.HandleConnection(c.Writer, c.Request); err != nil {
		if errors.Is(err, model.ErrHubStopped) {
			h.log.Warn().Str("remote", c.ClientIP()).Msg("connection refused, hub stopped")
			return
		}
		h.log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("connection not established")
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}
