package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/internal/presence"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

// mockPeer builds a peer without a socket; the test goroutine plays the hub
// loop and reads the peer's send queue directly.
func mockPeer(role envelope.Role, id string, buffer int) *Peer {
	return newPeer(nil, role, id, "dev-"+id, "name-"+id, buffer)
}

func newLoopHub(opts Options) *Hub {
	opts.Logger = zerolog.Nop()
	return NewHub(opts)
}

// drain returns every envelope queued for p.
func drain(t *testing.T, p *Peer) []*envelope.Envelope {
	t.Helper()
	var out []*envelope.Envelope
	for {
		select {
		case data := <-p.send:
			env, err := envelope.Parse(data)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func typesOf(envs []*envelope.Envelope) []string {
	types := make([]string, len(envs))
	for i, env := range envs {
		types[i] = env.Type
	}
	return types
}

func isClosed(p *Peer) bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func TestRegisterSendsWelcomeFirst(t *testing.T) {
	h := newLoopHub(Options{HeartbeatInterval: 5 * time.Second})

	agent := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(agent)

	envs := drain(t, agent)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.TypeHubWelcome, envs[0].Type)

	var welcome envelope.Welcome
	require.NoError(t, envs[0].Decode(&welcome))
	assert.Equal(t, "a1", welcome.ClientID)
	assert.Equal(t, envelope.RoleAgent, welcome.Role)
	assert.Equal(t, "dev-a1", welcome.DeviceID)
	assert.Equal(t, int64(5000), welcome.HeartbeatIntervalMs)
	assert.Empty(t, welcome.Peers)

	dash := mockPeer(envelope.RoleDashboard, "d1", 8)
	h.register(dash)

	envs = drain(t, dash)
	require.Len(t, envs, 1)
	require.NoError(t, envs[0].Decode(&welcome))
	require.Len(t, welcome.Peers, 1)
	assert.Equal(t, "a1", welcome.Peers[0].ClientID)
	assert.Equal(t, envelope.RoleAgent, welcome.Peers[0].Role)

	// The agent hears about the dashboard.
	envs = drain(t, agent)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.TypePeerJoin, envs[0].Type)
	var joined envelope.PeerInfo
	require.NoError(t, envs[0].Decode(&joined))
	assert.Equal(t, "d1", joined.ClientID)

	assert.Equal(t, Counts{Dashboards: 1, Agents: 1, Total: 2}, h.Counts())
}

func TestRegisterClosesPeerWhenWelcomeCannotBeQueued(t *testing.T) {
	h := newLoopHub(Options{})

	p := mockPeer(envelope.RoleAgent, "a1", 0)
	h.register(p)

	assert.True(t, isClosed(p))
	assert.False(t, h.registered(p))
	assert.Equal(t, 0, h.Counts().Total)
}

func TestRouteRelaysToOppositeRoleOnly(t *testing.T) {
	h := newLoopHub(Options{})

	d1 := mockPeer(envelope.RoleDashboard, "d1", 8)
	d2 := mockPeer(envelope.RoleDashboard, "d2", 8)
	a1 := mockPeer(envelope.RoleAgent, "a1", 8)
	a2 := mockPeer(envelope.RoleAgent, "a2", 8)
	for _, p := range []*Peer{d1, d2, a1, a2} {
		h.register(p)
	}
	for _, p := range []*Peer{d1, d2, a1, a2} {
		drain(t, p)
	}

	h.route(a1, []byte(`{"type":"agent_status","id":"s1","ts":1,"payload":{"ok":true}}`))

	for _, d := range []*Peer{d1, d2} {
		envs := drain(t, d)
		require.Len(t, envs, 1, d.id)
		env := envs[0]
		assert.Equal(t, "agent_status", env.Type)
		assert.Equal(t, "s1", env.ID)
		assert.JSONEq(t, `{"ok":true}`, string(env.Payload))
		require.NotNil(t, env.Meta)
		assert.Equal(t, envelope.RoleAgent, env.Meta.FromRole)
		assert.Equal(t, "a1", env.Meta.FromClientID)
		assert.Equal(t, "dev-a1", env.Meta.FromDeviceID)
		assert.Positive(t, env.Meta.ServerTs)
	}
	assert.Empty(t, drain(t, a1))
	assert.Empty(t, drain(t, a2))

	h.route(d1, []byte(`{"type":"dashboard_cmd","payload":{"action":"ping"}}`))
	assert.Len(t, drain(t, a1), 1)
	assert.Len(t, drain(t, a2), 1)
	assert.Empty(t, drain(t, d1))
	assert.Empty(t, drain(t, d2))
	assert.Zero(t, h.Dropped())
}

func TestRouteRelaysFramesAsSent(t *testing.T) {
	h := newLoopHub(Options{})

	d := mockPeer(envelope.RoleDashboard, "d1", 8)
	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(d)
	h.register(a)
	drain(t, d)
	drain(t, a)

	frames := map[string]string{
		"fractional ts": `{"type":"agent_status","id":"a1","ts":1700000000000.5,"payload":{}}`,
		"numeric id":    `{"type":"agent_status","id":42,"ts":1,"payload":{}}`,
		"extra member":  `{"type":"agent_status","id":"a2","ts":1,"replyTo":"x","payload":{}}`,
	}
	for name, frame := range frames {
		h.route(a, []byte(frame))

		select {
		case data := <-d.send:
			var got map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &got), name)
			require.Contains(t, got, "meta", name)

			var sent map[string]json.RawMessage
			require.NoError(t, json.Unmarshal([]byte(frame), &sent))
			for k, v := range sent {
				assert.JSONEq(t, string(v), string(got[k]), "%s: %s", name, k)
			}
			assert.Len(t, got, len(sent)+1, name)
		default:
			t.Fatalf("%s: frame was not relayed", name)
		}
	}
	assert.Zero(t, h.Dropped())
}

func TestRouteDropsInvalidFrames(t *testing.T) {
	h := newLoopHub(Options{})

	d := mockPeer(envelope.RoleDashboard, "d1", 8)
	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(d)
	h.register(a)
	drain(t, d)
	drain(t, a)

	frames := []string{
		"not json",
		`[1,2]`,
		`{"id":"x","payload":{}}`,
		`{"type":"","payload":{}}`,
		`{"type":"peer_join","payload":{"clientId":"forged"}}`,
		`{"type":"hub_welcome","payload":{}}`,
	}
	for _, frame := range frames {
		h.route(a, []byte(frame))
	}

	assert.Equal(t, uint64(len(frames)), h.Dropped())
	assert.Empty(t, drain(t, d))
	assert.Empty(t, drain(t, a))
	assert.True(t, h.registered(a), "a bad frame must not disconnect the sender")
}

func TestRouteAnswersPing(t *testing.T) {
	h := newLoopHub(Options{})

	d := mockPeer(envelope.RoleDashboard, "d1", 8)
	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(d)
	h.register(a)
	drain(t, d)
	drain(t, a)

	h.route(d, []byte(`{"type":"ping","id":"p1","payload":{}}`))

	envs := drain(t, d)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.TypePong, envs[0].Type)
	var pong envelope.Pong
	require.NoError(t, envs[0].Decode(&pong))
	assert.Equal(t, "p1", pong.ReplyTo)
	assert.Positive(t, pong.ServerTs)

	assert.Empty(t, drain(t, a), "liveness frames are never relayed")

	// A pong envelope counts as liveness and is swallowed.
	d.alive = false
	h.route(d, []byte(`{"type":"pong","payload":{}}`))
	assert.True(t, d.alive)
	assert.Empty(t, drain(t, a))
}

func TestSweepEvictsPeerThatMissedHeartbeat(t *testing.T) {
	h := newLoopHub(Options{})

	d := mockPeer(envelope.RoleDashboard, "d1", 8)
	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(d)
	h.register(a)
	drain(t, d)
	drain(t, a)

	now := time.Now()
	h.sweep(now)

	// Both were alive: they are pinged and stay registered.
	assert.Len(t, d.ping, 1)
	assert.Len(t, a.ping, 1)
	assert.Equal(t, 2, h.Counts().Total)
	<-d.ping
	<-a.ping

	// Only the dashboard answers.
	h.handle(event{kind: evPong, peer: d, at: now})
	h.sweep(now.Add(time.Second))

	assert.True(t, isClosed(a))
	assert.False(t, h.registered(a))
	assert.Equal(t, Counts{Dashboards: 1, Agents: 0, Total: 1}, h.Counts())

	envs := drain(t, d)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.TypePeerLeave, envs[0].Type)
	var left envelope.PeerInfo
	require.NoError(t, envs[0].Decode(&left))
	assert.Equal(t, "a1", left.ClientID)

	// The evicted peer's read pump reports the closed socket afterwards.
	h.handle(event{kind: evClosed, peer: a})
	assert.Empty(t, drain(t, d), "peer_leave must be sent exactly once")
}

func TestSweepEvictsStalePeer(t *testing.T) {
	h := newLoopHub(Options{StaleAfter: time.Minute})

	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(a)

	h.sweep(time.Now().Add(30 * time.Second))
	assert.True(t, h.registered(a))

	a.alive = true
	h.sweep(time.Now().Add(2 * time.Minute))
	assert.False(t, h.registered(a))
	assert.True(t, isClosed(a))
}

func TestInboundRefreshesLastSeen(t *testing.T) {
	h := newLoopHub(Options{})

	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(a)

	later := time.Now().Add(time.Hour)
	h.handle(event{kind: evInbound, peer: a, data: []byte(`{"type":"agent_log"}`), at: later})
	assert.Equal(t, later, a.lastSeen)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	h := newLoopHub(Options{})

	// Room for the welcome only.
	slow := mockPeer(envelope.RoleDashboard, "d1", 1)
	h.register(slow)
	require.True(t, h.registered(slow))

	agent := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(agent)

	assert.False(t, h.registered(slow))
	assert.True(t, isClosed(slow))
	assert.Equal(t, Counts{Dashboards: 0, Agents: 1, Total: 1}, h.Counts())

	assert.Equal(t,
		[]string{envelope.TypeHubWelcome, envelope.TypePeerLeave},
		typesOf(drain(t, agent)))
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := newLoopHub(Options{})

	d := mockPeer(envelope.RoleDashboard, "d1", 8)
	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(d)
	h.register(a)
	drain(t, d)

	h.remove(a, model.LeaveClosed)
	h.remove(a, model.LeaveEvicted)
	h.remove(a, model.LeaveClosed)

	assert.Equal(t, []string{envelope.TypePeerLeave}, typesOf(drain(t, d)))
	assert.Equal(t, 0, h.Counts().Agents)

	// Traffic from a removed peer is ignored.
	h.handle(event{kind: evInbound, peer: a, data: []byte(`{"type":"agent_log"}`), at: time.Now()})
	assert.Empty(t, drain(t, d))
}

func TestBroadcastPeers(t *testing.T) {
	h := newLoopHub(Options{})

	d := mockPeer(envelope.RoleDashboard, "d1", 8)
	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(d)
	h.register(a)
	drain(t, d)
	drain(t, a)

	h.broadcastPeers()

	for _, p := range []*Peer{d, a} {
		envs := drain(t, p)
		require.Len(t, envs, 1)
		assert.Equal(t, envelope.TypeHubPeers, envs[0].Type)
		var summary envelope.PeersSummary
		require.NoError(t, envs[0].Decode(&summary))
		assert.Equal(t, 1, summary.Dashboards)
		assert.Equal(t, 1, summary.Agents)
	}
}

type presenceSink struct {
	mu     sync.Mutex
	events []model.PresenceEvent
}

func (s *presenceSink) Name() string { return "test" }

func (s *presenceSink) Record(ctx context.Context, event model.PresenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *presenceSink) reasons() []model.LeaveReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LeaveReason
	for _, ev := range s.events {
		if ev.Kind == model.PresenceLeave {
			out = append(out, ev.Reason)
		}
	}
	return out
}

func TestShutdownClosesPeersAndRecordsLeaves(t *testing.T) {
	sink := &presenceSink{}
	dispatcher := presence.NewDispatcher(zerolog.Nop(), 16, sink)
	h := newLoopHub(Options{Presence: dispatcher})

	d := mockPeer(envelope.RoleDashboard, "d1", 8)
	a := mockPeer(envelope.RoleAgent, "a1", 8)
	h.register(d)
	h.register(a)
	drain(t, d)

	h.shutdown()
	dispatcher.Close()

	assert.True(t, isClosed(d))
	assert.True(t, isClosed(a))
	assert.Equal(t, 0, h.Counts().Total)
	assert.Empty(t, drain(t, d), "peers going away are not told about each other")
	assert.Equal(t, []model.LeaveReason{model.LeaveShutdown, model.LeaveShutdown}, sink.reasons())

	select {
	case <-h.Done():
	default:
		t.Fatal("Done should be closed after shutdown")
	}

	_, err := h.Snapshot(context.Background())
	assert.ErrorIs(t, err, model.ErrHubStopped)
}

func TestRunIsSingleUse(t *testing.T) {
	h := newLoopHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return h.running.Load() }, time.Second, 5*time.Millisecond)
	assert.Error(t, h.Run(ctx))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}
