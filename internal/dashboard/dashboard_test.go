package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/relayhub/internal/agent"
	"github.com/remote-agent-terminal/relayhub/internal/client"
	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/internal/ws"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

type outbox struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
}

func (o *outbox) send(env *envelope.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, env)
	return nil
}

func (o *outbox) last() *envelope.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		return nil
	}
	return o.sent[len(o.sent)-1]
}

func newOfflineDashboard(t *testing.T, capacity int) *Dashboard {
	t.Helper()

	d, err := New(Options{
		Client: client.Options{
			URL:    "ws://127.0.0.1:1",
			Token:  "secret",
			Logger: zerolog.Nop(),
		},
		LogCapacity: capacity,
	})
	require.NoError(t, err)
	return d
}

func peer(id, device string, connectedAt int64) envelope.PeerInfo {
	return envelope.PeerInfo{
		Role:        envelope.RoleAgent,
		ClientID:    id,
		DeviceID:    device,
		Name:        "agent-" + device,
		ConnectedAt: connectedAt,
		LastSeen:    connectedAt,
	}
}

func TestRosterFollowsPresence(t *testing.T) {
	d := newOfflineDashboard(t, 0)

	d.onEnvelope(envelope.MustNew(envelope.TypeHubWelcome, envelope.Welcome{
		ClientID: "me",
		Role:     envelope.RoleDashboard,
		Peers:    []envelope.PeerInfo{peer("c2", "pc2", 20), peer("c1", "pc1", 10)},
	}))
	agents := d.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "c1", agents[0].ClientID)
	assert.Equal(t, "c2", agents[1].ClientID)

	d.onEnvelope(envelope.MustNew(envelope.TypePeerJoin, peer("c3", "pc3", 30)))
	assert.Len(t, d.Agents(), 3)

	// Dashboards never show up in the roster.
	other := peer("d9", "", 40)
	other.Role = envelope.RoleDashboard
	d.onEnvelope(envelope.MustNew(envelope.TypePeerJoin, other))
	assert.Len(t, d.Agents(), 3)

	d.onEnvelope(envelope.MustNew(envelope.TypePeerLeave, peer("c1", "pc1", 10)))
	agents = d.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "c2", agents[0].ClientID)

	// Relayed traffic refreshes lastSeen.
	d.onEnvelope(envelope.MustNew("agent_log", map[string]string{"line": "x"}).
		WithMeta(envelope.Meta{FromRole: envelope.RoleAgent, FromClientID: "c3", ServerTs: 99}))
	p, ok := d.Lookup("pc3")
	require.True(t, ok)
	assert.Equal(t, int64(99), p.LastSeen)

	// A new welcome replaces the roster.
	d.onEnvelope(envelope.MustNew(envelope.TypeHubWelcome, envelope.Welcome{ClientID: "me2"}))
	assert.Empty(t, d.Agents())

	assert.Equal(t, StatusPayload{Agents: 0, LogSize: 6}, d.Status())
}

func TestLookup(t *testing.T) {
	d := newOfflineDashboard(t, 0)
	d.resetRoster([]envelope.PeerInfo{peer("c1", "pc1", 1)})

	for _, target := range []string{"c1", "pc1", "AGENT-PC1"} {
		p, ok := d.Lookup(target)
		assert.True(t, ok, target)
		assert.Equal(t, "c1", p.ClientID)
	}
	_, ok := d.Lookup("nope")
	assert.False(t, ok)
}

func TestLogIsBounded(t *testing.T) {
	d := newOfflineDashboard(t, 3)

	for i := 0; i < 5; i++ {
		env := envelope.MustNew("agent_log", map[string]int{"n": i})
		d.onEnvelope(env)
	}

	entries := d.Log(0)
	require.Len(t, entries, 3)
	for i, e := range entries {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(e.Envelope.Payload, &payload))
		assert.Equal(t, i+2, payload["n"])
	}
	assert.Len(t, d.Log(2), 2)
	assert.Equal(t, 3, d.Status().LogSize)
}

func TestDefaultLogCapacity(t *testing.T) {
	d := newOfflineDashboard(t, 0)
	assert.Equal(t, DefaultLogCapacity, d.entries.Cap())
}

func TestSendCommandRequiresConnection(t *testing.T) {
	d := newOfflineDashboard(t, 0)

	_, err := d.SendCommand("ping", "pc1", nil)
	assert.ErrorIs(t, err, model.ErrNotConnected)

	_, err = d.Echo("", "hi")
	assert.ErrorIs(t, err, model.ErrNotConnected)
}

func TestSendCommandPayload(t *testing.T) {
	d := newOfflineDashboard(t, 0)
	box := &outbox{}
	d.send = box.send

	id, err := d.SendCommand("run_taskset", "pc1", map[string]string{"taskSet": "daily"})
	require.NoError(t, err)
	env := box.last()
	require.NotNil(t, env)
	assert.Equal(t, id, env.ID)
	assert.Equal(t, agent.TypeCommand, env.Type)
	assert.JSONEq(t, `{"action":"run_taskset","target":"pc1","args":{"taskSet":"daily"}}`, string(env.Payload))

	_, err = d.Echo("", "hello")
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"echo","data":"hello"}`, string(box.last().Payload))

	_, err = d.SendCommand("x", "", make(chan int))
	assert.Error(t, err)
}

// Agent pc1 and a dashboard connect to the hub; the dashboard pings the
// agent and gets agent_pong from it.
func TestDashboardPingsAgentThroughHub(t *testing.T) {
	hub := ws.NewHub(ws.Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleConnection(w, r)
	}))
	defer server.Close()

	a, err := agent.New(client.Options{
		URL:      server.URL,
		Token:    "secret",
		DeviceID: "pc1",
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	defer a.Close()
	require.Eventually(t, func() bool { return hub.Counts().Agents == 1 }, 2*time.Second, 5*time.Millisecond)

	replies := make(chan *envelope.Envelope, 16)
	d, err := New(Options{
		Client: client.Options{URL: server.URL, Token: "secret", Logger: zerolog.Nop()},
		OnEnvelope: func(env *envelope.Envelope) {
			if env.Type == agent.TypePong {
				replies <- env
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))
	defer d.Close()

	require.Eventually(t, func() bool { return len(d.Agents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "pc1", d.Agents()[0].DeviceID)

	id, err := d.SendCommand(agent.ActionPing, "pc1", nil)
	require.NoError(t, err)

	select {
	case env := <-replies:
		assert.Equal(t, envelope.RoleAgent, env.FromRole())
		assert.Equal(t, "pc1", env.Meta.FromDeviceID)
		var pong struct {
			OK       bool   `json:"ok"`
			DeviceID string `json:"deviceId"`
			ReplyTo  string `json:"replyTo"`
		}
		require.NoError(t, env.Decode(&pong))
		assert.True(t, pong.OK)
		assert.Equal(t, "pc1", pong.DeviceID)
		assert.Equal(t, id, pong.ReplyTo)
	case <-time.After(3 * time.Second):
		t.Fatal("no agent_pong")
	}

	// The agent leaving is reflected in the roster.
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(d.Agents()) == 0 }, 2*time.Second, 5*time.Millisecond)
}
