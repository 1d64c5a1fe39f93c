// Package envelope defines the wire format exchanged between the hub,
// dashboards and agents.
//
// Every frame is a JSON object {type, id, ts, payload[, meta]}. The hub only
// understands the reserved system types declared here; every other type is
// carried through as an opaque application message.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

// Reserved system types interpreted by the hub itself.
const (
	TypeHubWelcome = "hub_welcome"
	TypePeerJoin   = "peer_join"
	TypePeerLeave  = "peer_leave"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeHubPeers   = "hub_peers"
)

var (
	// ErrMalformed is returned when a frame is not a JSON envelope.
	ErrMalformed = errors.New("malformed envelope")

	// ErrMissingType is returned when a frame has no type discriminator.
	ErrMissingType = errors.New("envelope type is required")
)

// Kind classifies an envelope for routing.
type Kind int

const (
	// KindApplication is an opaque message owned by the command/status layer.
	KindApplication Kind = iota
	// KindLiveness is a point-to-point ping or pong.
	KindLiveness
	// KindServer is a message only the hub may originate.
	KindServer
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindLiveness:
		return "liveness"
	case KindServer:
		return "server"
	default:
		return "application"
	}
}

// Meta is the provenance block the hub attaches when relaying.
type Meta struct {
	FromRole     Role   `json:"fromRole"`
	FromClientID string `json:"fromClientId"`
	FromDeviceID string `json:"fromDeviceId,omitempty"`
	FromName     string `json:"fromName,omitempty"`
	ServerTs     int64  `json:"serverTs"`
}

// Envelope is the wrapper used for every message.
//
// An envelope returned by Parse remembers the frame's top-level members and
// re-encodes them unchanged; only meta is replaced. ID and Ts are read from
// the frame on a best-effort basis.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
	Meta    *Meta           `json:"meta,omitempty"`

	members map[string]json.RawMessage
}

var emptyPayload = json.RawMessage(`{}`)

// New builds an envelope with a fresh id and the current timestamp.
// A nil payload is encoded as an empty object.
func New(typ string, payload any) (*Envelope, error) {
	raw := emptyPayload
	if payload != nil {
		switch p := payload.(type) {
		case json.RawMessage:
			raw = p
		default:
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
			}
			raw = data
		}
	}
	return &Envelope{
		Type:    typ,
		ID:      NewID(),
		Ts:      Now(),
		Payload: raw,
	}, nil
}

// MustNew is like New but panics if the payload cannot be encoded.
// Only use it with payload types that always marshal.
func MustNew(typ string, payload any) *Envelope {
	env, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewID returns a sortable unique message identifier.
func NewID() string {
	return ulid.Make().String()
}

// Now returns the current time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Parse decodes a frame. Only frames that are not JSON objects or that lack
// a string type are rejected; every other member is accepted as sent.
func Parse(data []byte) (*Envelope, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := &Envelope{members: members}
	if err := json.Unmarshal(members["type"], &env.Type); err != nil || env.Type == "" {
		return nil, ErrMissingType
	}
	if raw, ok := members["id"]; ok {
		env.ID = looseID(raw)
	}
	if raw, ok := members["ts"]; ok {
		var ts float64
		if json.Unmarshal(raw, &ts) == nil && math.Abs(ts) < math.MaxInt64 {
			env.Ts = int64(ts)
		}
	}
	env.Payload = members["payload"]
	if raw, ok := members["meta"]; ok {
		var meta Meta
		if json.Unmarshal(raw, &meta) == nil {
			env.Meta = &meta
		}
	}
	return env, nil
}

// looseID returns a string id as is and any other JSON value as its literal
// text, so "42" for a numeric id.
func looseID(raw json.RawMessage) string {
	var id string
	if json.Unmarshal(raw, &id) == nil {
		return id
	}
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.members != nil {
		out := make(map[string]json.RawMessage, len(e.members)+1)
		for k, v := range e.members {
			out[k] = v
		}
		if e.Meta != nil {
			meta, err := json.Marshal(e.Meta)
			if err != nil {
				return nil, fmt.Errorf("failed to encode meta: %w", err)
			}
			out["meta"] = meta
		}
		return json.Marshal(out)
	}
	if e.Payload == nil {
		e.Payload = emptyPayload
	}
	return json.Marshal(e)
}

// Kind reports how the hub treats this envelope.
func (e *Envelope) Kind() Kind {
	switch e.Type {
	case TypePing, TypePong:
		return KindLiveness
	case TypeHubWelcome, TypePeerJoin, TypePeerLeave, TypeHubPeers:
		return KindServer
	default:
		return KindApplication
	}
}

// WithMeta returns a copy of the envelope carrying the given provenance.
// The receiver is not modified.
func (e *Envelope) WithMeta(meta Meta) *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.members != nil {
		clone.members = make(map[string]json.RawMessage, len(e.members))
		for k, v := range e.members {
			clone.members[k] = v
		}
		if clone.Payload != nil {
			clone.members["payload"] = clone.Payload
		}
	}
	clone.Meta = &meta
	return &clone
}

// FromRole returns the relaying role, or "" for envelopes without meta.
func (e *Envelope) FromRole() Role {
	if e.Meta == nil {
		return ""
	}
	return e.Meta.FromRole
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}
