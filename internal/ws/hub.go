package ws

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/auth"
	"github.com/remote-agent-terminal/relayhub/internal/logger"
	"github.com/remote-agent-terminal/relayhub/internal/metrics"
	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/internal/presence"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultSendBuffer        = 256
	defaultMaxMessageSize    = 1 << 20

	// Events queued between read pumps and the hub loop.
	eventQueueSize = 1024
)

// Options configures a Hub.
type Options struct {
	// Validator checks handshake tokens. Nil accepts any non-empty token.
	Validator auth.Validator

	// HeartbeatInterval is the ping period. A peer that has not answered the
	// previous ping when the next tick fires is evicted.
	HeartbeatInterval time.Duration

	// StaleAfter evicts peers whose last inbound frame or pong is older than
	// this, regardless of ping state. Zero disables the ceiling.
	StaleAfter time.Duration

	// PeersInterval is the hub_peers broadcast period. Zero disables it.
	PeersInterval time.Duration

	// SendBuffer is the per-peer outbound queue length. A peer whose queue
	// is full is disconnected.
	SendBuffer int

	// MaxMessageSize is the largest inbound frame accepted.
	MaxMessageSize int64

	// AllowedOrigins restricts browser Origin headers. Empty allows any.
	AllowedOrigins []string

	// Presence receives every join and leave. Optional.
	Presence *presence.Dispatcher

	Logger zerolog.Logger
}

// Counts is the number of connected peers per role.
type Counts struct {
	Dashboards int `json:"dashboard"`
	Agents     int `json:"agent"`
	Total      int `json:"total"`
}

type eventKind int

const (
	evRegister eventKind = iota
	evInbound
	evPong
	evClosed
	evSnapshot
)

type event struct {
	kind  eventKind
	peer  *Peer
	data  []byte
	at    time.Time
	err   error
	reply chan []envelope.PeerInfo
}

// Hub owns the dashboard and agent registries.
type Hub struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader

	// Owned by the Run goroutine.
	registries map[envelope.Role]map[string]*Peer

	events  chan event
	done    chan struct{}
	running atomic.Bool

	dashboards atomic.Int64
	agents     atomic.Int64
	dropped    atomic.Uint64

	now func() time.Time
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(opts Options) *Hub {
	if opts.Validator == nil {
		opts.Validator = auth.NonEmpty{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	h := &Hub{
		opts: opts,
		log:  logger.Component(opts.Logger, "hub"),
		registries: map[envelope.Role]map[string]*Peer{
			envelope.RoleDashboard: make(map[string]*Peer),
			envelope.RoleAgent:     make(map[string]*Peer),
		},
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run processes hub events until ctx is cancelled, then closes every peer.
// It may only be called once.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("hub already running")
	}
	defer h.shutdown()

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var peersC <-chan time.Time
	if h.opts.PeersInterval > 0 {
		peersTicker := time.NewTicker(h.opts.PeersInterval)
		defer peersTicker.Stop()
		peersC = peersTicker.C
	}

	h.log.Info().
		Dur("heartbeat", h.opts.HeartbeatInterval).
		Dur("staleAfter", h.opts.StaleAfter).
		Msg("hub started")

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("hub shutting down")
			return nil

		case ev := <-h.events:
			h.handle(ev)

		case <-heartbeat.C:
			h.sweep(h.now())

		case <-peersC:
			h.broadcastPeers()
		}
	}
}

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Counts returns the number of connected peers. Safe from any goroutine.
func (h *Hub) Counts() Counts {
	d := int(h.dashboards.Load())
	a := int(h.agents.Load())
	return Counts{Dashboards: d, Agents: a, Total: d + a}
}

// Dropped returns how many inbound frames were dropped without relay.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Snapshot returns the presence view of every connected peer, dashboards
// first, each role ordered by connection time.
func (h *Hub) Snapshot(ctx context.Context) ([]envelope.PeerInfo, error) {
	reply := make(chan []envelope.PeerInfo, 1)
	if !h.postContext(ctx, event{kind: evSnapshot, reply: reply}) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.ErrHubStopped
	}
	select {
	case peers := <-reply:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, model.ErrHubStopped
	}
}

// post hands an event to the hub loop. It reports false once the hub has
// stopped.
func (h *Hub) post(ev event) bool {
	return h.postContext(context.Background(), ev)
}

func (h *Hub) postContext(ctx context.Context, ev event) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evRegister:
		h.register(ev.peer)

	case evInbound:
		if !h.registered(ev.peer) {
			return
		}
		ev.peer.lastSeen = ev.at
		h.route(ev.peer, ev.data)

	case evPong:
		if !h.registered(ev.peer) {
			return
		}
		ev.peer.alive = true
		ev.peer.lastSeen = ev.at

	case evClosed:
		if ev.err != nil && websocket.IsUnexpectedCloseError(ev.err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
			h.log.Debug().Err(ev.err).Str("clientId", ev.peer.id).Msg("peer transport error")
		}
		h.remove(ev.peer, model.LeaveClosed)

	case evSnapshot:
		peers := append(h.roster(envelope.RoleDashboard), h.roster(envelope.RoleAgent)...)
		ev.reply <- peers
	}
}

func (h *Hub) registered(p *Peer) bool {
	return h.registries[p.role][p.id] == p
}

// register adds a peer, greets it and announces it to the opposite role.
func (h *Hub) register(p *Peer) {
	now := h.now()
	p.connectedAt = now
	p.lastSeen = now
	p.alive = true

	welcome := envelope.Welcome{
		ClientID:            p.id,
		Role:                p.role,
		DeviceID:            p.deviceID,
		Name:                p.name,
		ServerTs:            now.UnixMilli(),
		HeartbeatIntervalMs: h.opts.HeartbeatInterval.Milliseconds(),
		Peers:               h.roster(p.role.Opposite()),
	}
	if !h.deliver(p, envelope.MustNew(envelope.TypeHubWelcome, welcome)) {
		p.close(false)
		return
	}

	h.registries[p.role][p.id] = p
	h.adjust(p.role, 1)

	h.log.Info().
		Str("role", string(p.role)).
		Str("clientId", p.id).
		Str("deviceId", p.deviceID).
		Str("name", p.name).
		Msg("peer joined")

	h.announce(model.PresenceJoin, p, "")
}

// remove is the single teardown path for a peer. Removing a peer that is no
// longer registered only makes sure its socket is closed.
func (h *Hub) remove(p *Peer, reason model.LeaveReason) {
	if !h.registered(p) {
		p.close(false)
		return
	}

	delete(h.registries[p.role], p.id)
	h.adjust(p.role, -1)
	metrics.PeersRemoved.WithLabelValues(string(p.role), string(reason)).Inc()
	p.close(false)

	h.log.Info().
		Str("role", string(p.role)).
		Str("clientId", p.id).
		Str("deviceId", p.deviceID).
		Str("reason", string(reason)).
		Msg("peer left")

	h.announce(model.PresenceLeave, p, reason)
}

// announce sends peer_join or peer_leave to every peer of the opposite role
// and publishes the event to the presence sinks.
func (h *Hub) announce(kind model.PresenceKind, p *Peer, reason model.LeaveReason) {
	ev := model.PresenceEvent{
		Kind:   kind,
		Peer:   p.Info(),
		Reason: reason,
		At:     h.now(),
	}

	env := envelope.MustNew(ev.EnvelopeType(), ev.Peer)
	h.fanOut(p.role.Opposite(), env)
	h.opts.Presence.Publish(ev)
}

// route handles one inbound frame from p.
func (h *Hub) route(p *Peer, data []byte) {
	env, err := envelope.Parse(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, envelope.ErrMissingType) {
			reason = "missing_type"
		}
		h.drop(p, reason)
		return
	}

	switch env.Kind() {
	case envelope.KindLiveness:
		if env.Type == envelope.TypePong {
			p.alive = true
			return
		}
		pong := envelope.MustNew(envelope.TypePong, envelope.Pong{
			ReplyTo:  env.ID,
			ServerTs: h.now().UnixMilli(),
		})
		if !h.deliver(p, pong) {
			h.remove(p, model.LeaveSlowConsumer)
		}
		return

	case envelope.KindServer:
		h.drop(p, "reserved")
		return
	}

	relayed := env.WithMeta(p.meta(h.now()))
	metrics.MessagesRelayed.WithLabelValues(string(p.role)).Inc()
	h.fanOut(p.role.Opposite(), relayed)
}

// fanOut queues env to every peer of role. Peers whose queue is full are
// removed after the fan-out completes.
func (h *Hub) fanOut(role envelope.Role, env *envelope.Envelope) {
	registry := h.registries[role]
	if len(registry) == 0 {
		return
	}

	data, err := env.Marshal()
	if err != nil {
		h.log.Error().Err(err).Str("type", env.Type).Msg("failed to marshal envelope")
		return
	}

	var slow []*Peer
	for _, q := range registry {
		if q.enqueue(data) {
			metrics.MessagesDelivered.Inc()
		} else {
			slow = append(slow, q)
		}
	}
	for _, q := range slow {
		h.log.Warn().Str("clientId", q.id).Msg("peer send queue full, disconnecting")
		h.remove(q, model.LeaveSlowConsumer)
	}
}

// deliver queues env to a single peer.
func (h *Hub) deliver(p *Peer, env *envelope.Envelope) bool {
	data, err := env.Marshal()
	if err != nil {
		h.log.Error().Err(err).Str("type", env.Type).Msg("failed to marshal envelope")
		return true
	}
	if !p.enqueue(data) {
		return false
	}
	metrics.MessagesDelivered.Inc()
	return true
}

func (h *Hub) drop(p *Peer, reason string) {
	h.dropped.Add(1)
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	h.log.Debug().
		Str("clientId", p.id).
		Str("reason", reason).
		Msg("dropped inbound frame")
}

// sweep runs one heartbeat tick: evict peers that missed the previous ping
// or exceeded the staleness ceiling, then ping everyone else.
func (h *Hub) sweep(now time.Time) {
	start := time.Now()
	defer func() {
		metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())
	}()

	var evict []*Peer
	for _, registry := range h.registries {
		for _, p := range registry {
			stale := h.opts.StaleAfter > 0 && now.Sub(p.lastSeen) > h.opts.StaleAfter
			if !p.alive || stale {
				evict = append(evict, p)
				continue
			}
			p.alive = false
			p.requestPing()
		}
	}

	for _, p := range evict {
		h.log.Warn().
			Str("clientId", p.id).
			Time("lastSeen", p.lastSeen).
			Msg("peer missed heartbeat, terminating")
		h.remove(p, model.LeaveEvicted)
	}
}

func (h *Hub) broadcastPeers() {
	counts := h.Counts()
	env := envelope.MustNew(envelope.TypeHubPeers, envelope.PeersSummary{
		Dashboards: counts.Dashboards,
		Agents:     counts.Agents,
		ServerTs:   h.now().UnixMilli(),
	})
	h.fanOut(envelope.RoleDashboard, env)
	h.fanOut(envelope.RoleAgent, env)
}

// roster returns the peers of one role ordered by connection time.
func (h *Hub) roster(role envelope.Role) []envelope.PeerInfo {
	registry := h.registries[role]
	peers := make([]envelope.PeerInfo, 0, len(registry))
	for _, p := range registry {
		peers = append(peers, p.Info())
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].ConnectedAt != peers[j].ConnectedAt {
			return peers[i].ConnectedAt < peers[j].ConnectedAt
		}
		return peers[i].ClientID < peers[j].ClientID
	})
	return peers
}

func (h *Hub) adjust(role envelope.Role, delta int64) {
	var n int64
	if role == envelope.RoleAgent {
		n = h.agents.Add(delta)
	} else {
		n = h.dashboards.Add(delta)
	}
	metrics.PeersConnected.WithLabelValues(string(role)).Set(float64(n))
}

// shutdown closes every peer. Peers are all going away, so no presence is
// sent to them; the sinks still see each leave.
func (h *Hub) shutdown() {
	close(h.done)

	for _, registry := range h.registries {
		for id, p := range registry {
			delete(registry, id)
			h.adjust(p.role, -1)
			metrics.PeersRemoved.WithLabelValues(string(p.role), string(model.LeaveShutdown)).Inc()
			p.close(true)
			h.opts.Presence.Publish(model.PresenceEvent{
				Kind:   model.PresenceLeave,
				Peer:   p.Info(),
				Reason: model.LeaveShutdown,
				At:     h.now(),
			})
		}
	}

	// Peers whose registration was still queued never joined.
	for {
		select {
		case ev := <-h.events:
			if ev.kind == evRegister {
				ev.peer.close(false)
			}
		default:
			return
		}
	}
}
