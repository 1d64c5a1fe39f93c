package ws

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/relayhub/internal/metrics"
	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

// Handshake query parameters.
const (
	ParamRole     = "role"
	ParamToken    = "token"
	ParamDeviceID = "deviceId"
	ParamName     = "name"
)

// HandleConnection authenticates and upgrades a WebSocket request, then
// registers the peer with the hub.
//
// A request with a missing or unknown role, or a token the validator
// rejects, has its transport closed without any response bytes.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()

	role, ok := envelope.ParseRole(query.Get(ParamRole))
	if !ok {
		metrics.HandshakesRejected.WithLabelValues("role").Inc()
		h.reject(w, r, model.ErrInvalidRole)
		return model.ErrInvalidRole
	}
	if err := h.opts.Validator.Validate(query.Get(ParamToken)); err != nil {
		metrics.HandshakesRejected.WithLabelValues("token").Inc()
		h.reject(w, r, err)
		return fmt.Errorf("handshake rejected: %w", err)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	id := uuid.NewString()
	var deviceID, name string
	if role == envelope.RoleAgent {
		deviceID = strings.TrimSpace(query.Get(ParamDeviceID))
		if deviceID == "" {
			deviceID = id
		}
		name = strings.TrimSpace(query.Get(ParamName))
		if name == "" {
			name = "agent-" + id[:8]
		}
	}

	p := newPeer(conn, role, id, deviceID, name, h.opts.SendBuffer)
	if !h.post(event{kind: evRegister, peer: p}) {
		conn.Close()
		return model.ErrHubStopped
	}

	go p.writePump()
	go h.readPump(p)
	return nil
}

// reject destroys the raw transport. When the response writer cannot be
// hijacked the best remaining option is an empty 401.
func (h *Hub) reject(w http.ResponseWriter, r *http.Request, reason error) {
	h.log.Debug().
		Err(reason).
		Str("remote", r.RemoteAddr).
		Msg("handshake rejected")

	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn.Close()
}

// readPump pumps frames from the WebSocket connection to the hub loop.
// Every exit path ends in exactly one evClosed event.
func (h *Hub) readPump(p *Peer) {
	var err error
	defer func() {
		h.post(event{kind: evClosed, peer: p, err: err})
	}()

	p.conn.SetReadLimit(h.opts.MaxMessageSize)
	// Clear any deadline left on the hijacked connection by the HTTP server.
	p.conn.SetReadDeadline(time.Time{})
	p.conn.SetPongHandler(func(string) error {
		h.post(event{kind: evPong, peer: p, at: time.Now()})
		return nil
	})

	for {
		var data []byte
		_, data, err = p.conn.ReadMessage()
		if err != nil {
			return
		}
		if !h.post(event{kind: evInbound, peer: p, data: data, at: time.Now()}) {
			return
		}
	}
}

// checkOrigin allows requests without an Origin header (non-browser
// clients) and, when AllowedOrigins is set, only matching browser origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
