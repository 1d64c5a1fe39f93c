package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/ws"
)

// RouterConfig holds what the router needs beyond the hub.
type RouterConfig struct {
	// Presence is the audit log read side. Nil disables /api/presence.
	Presence       PresenceStore
	AllowedOrigins []string
	Development    bool
	Logger         zerolog.Logger
}

// NewRouter builds the hub's HTTP surface:
//
//	GET /ws                                WebSocket handshake
//	GET /health                            liveness and registry sizes
//	GET /metrics                           Prometheus
//	GET /api/peers                         live roster
//	GET /api/presence                      join/leave history
//	GET /api/presence/:deviceId/last-leave most recent leave of a device
func NewRouter(hub *ws.Hub, cfg RouterConfig) *gin.Engine {
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log := cfg.Logger.With().Str("component", "http").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger(log))
	r.Use(Metrics())
	r.Use(CORS(cfg.AllowedOrigins))

	NewWebSocketHandler(hub, log).RegisterRoutes(r)
	NewHealthHandler(hub).RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		NewPeersHandler(hub, cfg.Presence).RegisterRoutes(api)
	}

	return r
}
