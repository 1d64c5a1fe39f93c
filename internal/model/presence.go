package model

import (
	"time"

	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

// PresenceKind is the kind of a presence change.
type PresenceKind string

const (
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// LeaveReason records why a peer left the hub.
type LeaveReason string

const (
	LeaveClosed       LeaveReason = "closed"
	LeaveEvicted      LeaveReason = "evicted"
	LeaveSlowConsumer LeaveReason = "slow_consumer"
	LeaveShutdown     LeaveReason = "shutdown"
)

// PresenceEvent is a single join or leave observed by the hub.
type PresenceEvent struct {
	ID     int64             `json:"id,omitempty"`
	Kind   PresenceKind      `json:"kind"`
	Peer   envelope.PeerInfo `json:"peer"`
	Reason LeaveReason       `json:"reason,omitempty"`
	At     time.Time         `json:"at"`
}

// EnvelopeType returns the wire type used to announce the event.
func (e *PresenceEvent) EnvelopeType() string {
	if e.Kind == PresenceLeave {
		return envelope.TypePeerLeave
	}
	return envelope.TypePeerJoin
}

// PresenceFilter narrows a presence history query.
type PresenceFilter struct {
	Role     envelope.Role
	DeviceID string
	Limit    int
}
