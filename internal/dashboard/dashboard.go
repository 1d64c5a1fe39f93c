// Package dashboard runs the operator side of the hub: it tracks which
// agents are connected, keeps a bounded log of recent traffic and issues
// commands.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/agent"
	"github.com/remote-agent-terminal/relayhub/internal/buffer"
	"github.com/remote-agent-terminal/relayhub/internal/client"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

const (
	// TypeStatus is the dashboard self-status envelope type.
	TypeStatus = "dashboard_status"

	DefaultLogCapacity = 200
)

// Options configures a Dashboard.
type Options struct {
	Client client.Options

	// LogCapacity bounds the recent-envelope log. Oldest entries are evicted.
	LogCapacity int

	// OnEnvelope is called after the roster and log have been updated.
	OnEnvelope func(*envelope.Envelope)
}

// Entry is one logged envelope.
type Entry struct {
	At       time.Time
	Envelope *envelope.Envelope
}

// StatusPayload is the dashboard_status payload.
type StatusPayload struct {
	Agents  int `json:"agents"`
	LogSize int `json:"logSize"`
}

// Dashboard is a hub client with the dashboard role.
type Dashboard struct {
	client *client.Client
	log    zerolog.Logger
	hook   func(*envelope.Envelope)

	// send is the command path; tests replace it.
	send func(*envelope.Envelope) error

	mu     sync.RWMutex
	roster map[string]envelope.PeerInfo

	entries *buffer.Ring[Entry]
}

// New creates a dashboard.
func New(opts Options) (*Dashboard, error) {
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = DefaultLogCapacity
	}

	d := &Dashboard{
		log:     opts.Client.Logger.With().Str("component", "dashboard").Logger(),
		hook:    opts.OnEnvelope,
		roster:  make(map[string]envelope.PeerInfo),
		entries: buffer.NewRing[Entry](opts.LogCapacity),
	}

	copts := opts.Client
	copts.Role = envelope.RoleDashboard
	copts.StatusType = TypeStatus
	copts.Status = func() any { return d.Status() }
	copts.OnEnvelope = d.onEnvelope

	userState := copts.OnStateChange
	copts.OnStateChange = func(s client.State) {
		if s == client.StateBackoff {
			// The roster is rebuilt from the next hub_welcome.
			d.resetRoster(nil)
		}
		if userState != nil {
			userState(s)
		}
	}

	c, err := client.New(copts)
	if err != nil {
		return nil, err
	}
	d.client = c
	d.send = c.Send
	return d, nil
}

// Start connects to the hub and keeps reconnecting until Close.
func (d *Dashboard) Start(ctx context.Context) error {
	return d.client.Start(ctx)
}

// Close disconnects permanently.
func (d *Dashboard) Close() error {
	return d.client.Close()
}

// Client returns the underlying hub connection.
func (d *Dashboard) Client() *client.Client {
	return d.client
}

// Agents returns the connected agents ordered by connection time.
func (d *Dashboard) Agents() []envelope.PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peers := make([]envelope.PeerInfo, 0, len(d.roster))
	for _, p := range d.roster {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].ConnectedAt != peers[j].ConnectedAt {
			return peers[i].ConnectedAt < peers[j].ConnectedAt
		}
		return peers[i].ClientID < peers[j].ClientID
	})
	return peers
}

// Lookup finds an agent by client id, device id or name.
func (d *Dashboard) Lookup(target string) (envelope.PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if p, ok := d.roster[target]; ok {
		return p, true
	}
	for _, p := range d.roster {
		if p.DeviceID == target || strings.EqualFold(p.Name, target) {
			return p, true
		}
	}
	return envelope.PeerInfo{}, false
}

// Log returns the last n logged envelopes, oldest first. n <= 0 returns all.
func (d *Dashboard) Log(n int) []Entry {
	if n <= 0 {
		return d.entries.Items()
	}
	return d.entries.Last(n)
}

// Status returns the dashboard self-status.
func (d *Dashboard) Status() StatusPayload {
	d.mu.RLock()
	agents := len(d.roster)
	d.mu.RUnlock()
	return StatusPayload{Agents: agents, LogSize: d.entries.Len()}
}

// SendCommand sends a dashboard_cmd to target (all agents when empty) and
// returns its id for correlating the reply. It fails immediately with
// ErrNotConnected when the hub connection is not open.
func (d *Dashboard) SendCommand(action, target string, args any) (string, error) {
	return d.sendCommand(agent.CommandPayload{Action: action, Target: target}, args, nil)
}

// Echo asks target to echo data back.
func (d *Dashboard) Echo(target string, data any) (string, error) {
	return d.sendCommand(agent.CommandPayload{Action: agent.ActionEcho, Target: target}, nil, data)
}

func (d *Dashboard) sendCommand(payload agent.CommandPayload, args, data any) (string, error) {
	var err error
	if args != nil {
		if payload.Args, err = marshalRaw(args); err != nil {
			return "", err
		}
	}
	if data != nil {
		if payload.Data, err = marshalRaw(data); err != nil {
			return "", err
		}
	}

	env, err := envelope.New(agent.TypeCommand, payload)
	if err != nil {
		return "", err
	}
	if err := d.send(env); err != nil {
		return "", err
	}
	d.log.Debug().
		Str("action", payload.Action).
		Str("target", payload.Target).
		Str("id", env.ID).
		Msg("command sent")
	return env.ID, nil
}

func (d *Dashboard) onEnvelope(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeHubWelcome:
		var welcome envelope.Welcome
		if err := env.Decode(&welcome); err != nil {
			d.log.Warn().Err(err).Msg("invalid hub_welcome")
			break
		}
		d.resetRoster(welcome.Peers)

	case envelope.TypePeerJoin:
		var peer envelope.PeerInfo
		if err := env.Decode(&peer); err == nil && peer.Role == envelope.RoleAgent {
			d.mu.Lock()
			d.roster[peer.ClientID] = peer
			d.mu.Unlock()
			d.log.Info().Str("clientId", peer.ClientID).Str("deviceId", peer.DeviceID).Msg("agent joined")
		}

	case envelope.TypePeerLeave:
		var peer envelope.PeerInfo
		if err := env.Decode(&peer); err == nil {
			d.mu.Lock()
			delete(d.roster, peer.ClientID)
			d.mu.Unlock()
			d.log.Info().Str("clientId", peer.ClientID).Str("deviceId", peer.DeviceID).Msg("agent left")
		}

	default:
		if env.FromRole() == envelope.RoleAgent {
			d.touch(env.Meta)
		}
	}

	d.entries.Push(Entry{At: time.Now(), Envelope: env})
	if d.hook != nil {
		d.hook(env)
	}
}

func (d *Dashboard) resetRoster(peers []envelope.PeerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roster = make(map[string]envelope.PeerInfo, len(peers))
	for _, p := range peers {
		if p.Role == envelope.RoleAgent {
			d.roster[p.ClientID] = p
		}
	}
}

// touch refreshes an agent's lastSeen from relayed traffic.
func (d *Dashboard) touch(meta *envelope.Meta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.roster[meta.FromClientID]; ok {
		p.LastSeen = meta.ServerTs
		d.roster[meta.FromClientID] = p
	}
}

func marshalRaw(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return data, nil
}
