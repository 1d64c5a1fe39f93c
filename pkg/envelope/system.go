package envelope

import "strings"

// Role identifies which side of the hub a peer is on.
type Role string

const (
	RoleDashboard Role = "dashboard"
	RoleAgent     Role = "agent"
)

// ParseRole validates a handshake role value.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.TrimSpace(s)) {
	case RoleDashboard:
		return RoleDashboard, true
	case RoleAgent:
		return RoleAgent, true
	default:
		return "", false
	}
}

// Opposite returns the role this role exchanges messages with.
func (r Role) Opposite() Role {
	if r == RoleAgent {
		return RoleDashboard
	}
	return RoleAgent
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleDashboard || r == RoleAgent
}

// PeerInfo is the presence view of a connected peer.
// Timestamps are epoch milliseconds.
type PeerInfo struct {
	Role        Role   `json:"role"`
	ClientID    string `json:"clientId"`
	DeviceID    string `json:"deviceId,omitempty"`
	Name        string `json:"name,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
	LastSeen    int64  `json:"lastSeen"`
}

// Welcome is the hub_welcome payload.
type Welcome struct {
	ClientID            string     `json:"clientId"`
	Role                Role       `json:"role"`
	DeviceID            string     `json:"deviceId,omitempty"`
	Name                string     `json:"name,omitempty"`
	ServerTs            int64      `json:"serverTs"`
	HeartbeatIntervalMs int64      `json:"heartbeatIntervalMs"`
	Peers               []PeerInfo `json:"peers"`
}

// PeersSummary is the hub_peers payload.
type PeersSummary struct {
	Dashboards int   `json:"dashboards"`
	Agents     int   `json:"agents"`
	ServerTs   int64 `json:"serverTs"`
}

// Pong is the payload of the hub's reply to a client ping.
type Pong struct {
	ReplyTo  string `json:"replyTo,omitempty"`
	ServerTs int64  `json:"serverTs"`
}
