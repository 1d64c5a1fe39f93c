package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/internal/ws"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

const (
	snapshotTimeout  = 5 * time.Second
	maxPresenceLimit = 1000
)

// PresenceStore is the read side of the presence audit log.
type PresenceStore interface {
	List(ctx context.Context, filter model.PresenceFilter) ([]model.PresenceEvent, error)
	LastLeave(ctx context.Context, deviceID string) (*model.PresenceEvent, error)
}

// PeersResponse is the GET /api/peers body.
type PeersResponse struct {
	Peers  []envelope.PeerInfo `json:"peers"`
	Counts ws.Counts           `json:"counts"`
}

// PresenceResponse is the GET /api/presence body.
type PresenceResponse struct {
	Events []model.PresenceEvent `json:"events"`
}

// PeersHandler serves the live roster and the presence history.
type PeersHandler struct {
	hub   *ws.Hub
	store PresenceStore
}

// NewPeersHandler creates a new PeersHandler. store may be nil when no audit
// log is configured.
func NewPeersHandler(hub *ws.Hub, store PresenceStore) *PeersHandler {
	return &PeersHandler{hub: hub, store: store}
}

// List handles GET /api/peers.
func (h *PeersHandler) List(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	defer cancel()

	peers, err := h.hub.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, model.ErrHubStopped) {
			sendError(c, http.StatusServiceUnavailable, "HUB_STOPPED", "Hub is not running")
			return
		}
		sendError(c, http.StatusGatewayTimeout, "SNAPSHOT_TIMEOUT", "Failed to get peers: "+err.Error())
		return
	}
	if peers == nil {
		peers = []envelope.PeerInfo{}
	}

	c.JSON(http.StatusOK, PeersResponse{Peers: peers, Counts: h.hub.Counts()})
}

// Presence handles GET /api/presence?role=&deviceId=&limit=.
func (h *PeersHandler) Presence(c *gin.Context) {
	if h.store == nil {
		sendError(c, http.StatusServiceUnavailable, "PRESENCE_DISABLED", "Presence audit log is not configured")
		return
	}

	var filter model.PresenceFilter
	if raw := c.Query("role"); raw != "" {
		role, ok := envelope.ParseRole(raw)
		if !ok {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid role: "+raw)
			return
		}
		filter.Role = role
	}
	filter.DeviceID = c.Query("deviceId")
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxPresenceLimit {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	events, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list presence events: "+err.Error())
		return
	}
	if events == nil {
		events = []model.PresenceEvent{}
	}

	c.JSON(http.StatusOK, PresenceResponse{Events: events})
}

// LastLeave handles GET /api/presence/:deviceId/last-leave.
func (h *PeersHandler) LastLeave(c *gin.Context) {
	if h.store == nil {
		sendError(c, http.StatusServiceUnavailable, "PRESENCE_DISABLED", "Presence audit log is not configured")
		return
	}

	deviceID := c.Param("deviceId")
	event, err := h.store.LastLeave(c.Request.Context(), deviceID)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get last leave: "+err.Error())
		return
	}
	if event == nil {
		sendError(c, http.StatusNotFound, "NOT_FOUND", "No leave recorded for device "+deviceID)
		return
	}

	c.JSON(http.StatusOK, event)
}

// RegisterRoutes registers the peer routes on a Gin router group.
func (h *PeersHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/peers", h.List)
	rg.GET("/presence", h.Presence)
	rg.GET("/presence/:deviceId/last-leave", h.LastLeave)
}
