package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/relayhub/internal/ws"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	OK      bool      `json:"ok"`
	TS      int64     `json:"ts"`
	Peers   ws.Counts `json:"peers"`
	Dropped uint64    `json:"dropped"`
}

// HealthHandler reports liveness and registry sizes.
type HealthHandler struct {
	hub *ws.Hub
	now func() time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(hub *ws.Hub) *HealthHandler {
	return &HealthHandler{hub: hub, now: time.Now}
}

// Health handles GET /health. It reads the hub's counters without going
// through the hub loop, so it answers even while the loop is busy.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		OK:      true,
		TS:      h.now().UnixMilli(),
		Peers:   h.hub.Counts(),
		Dropped: h.hub.Dropped(),
	})
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
