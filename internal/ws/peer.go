package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for the close handshake on shutdown.
	closeWait = time.Second
)

// Peer is one live, authenticated connection.
type Peer struct {
	id       string
	role     envelope.Role
	deviceID string
	name     string

	conn *websocket.Conn
	send chan []byte
	ping chan struct{}
	quit chan struct{}

	closeOnce sync.Once

	// Owned by the hub loop.
	connectedAt time.Time
	lastSeen    time.Time
	alive       bool
}

func newPeer(conn *websocket.Conn, role envelope.Role, id, deviceID, name string, buffer int) *Peer {
	return &Peer{
		id:       id,
		role:     role,
		deviceID: deviceID,
		name:     name,
		conn:     conn,
		send:     make(chan []byte, buffer),
		ping:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// ID returns the hub-assigned client id.
func (p *Peer) ID() string {
	return p.id
}

// Role returns the peer's role.
func (p *Peer) Role() envelope.Role {
	return p.role
}

// Info returns the presence view of the peer. Only call it from the hub loop.
func (p *Peer) Info() envelope.PeerInfo {
	return envelope.PeerInfo{
		Role:        p.role,
		ClientID:    p.id,
		DeviceID:    p.deviceID,
		Name:        p.name,
		ConnectedAt: p.connectedAt.UnixMilli(),
		LastSeen:    p.lastSeen.UnixMilli(),
	}
}

// meta returns the provenance attached to envelopes relayed from this peer.
func (p *Peer) meta(now time.Time) envelope.Meta {
	return envelope.Meta{
		FromRole:     p.role,
		FromClientID: p.id,
		FromDeviceID: p.deviceID,
		FromName:     p.name,
		ServerTs:     now.UnixMilli(),
	}
}

// enqueue queues a frame for the write pump. It reports false when the
// queue is full or the peer is closing.
func (p *Peer) enqueue(data []byte) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// requestPing asks the write pump to send a heartbeat ping.
func (p *Peer) requestPing() {
	select {
	case p.ping <- struct{}{}:
	default:
	}
}

// close stops the write pump. A graceful close lets the write pump flush
// queued frames and send a close frame; otherwise the socket is torn down
// immediately.
func (p *Peer) close(graceful bool) {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	if !graceful && p.conn != nil {
		p.conn.Close()
	}
}

// writePump pumps frames from the hub to the WebSocket connection.
func (p *Peer) writePump() {
	defer p.conn.Close()

	for {
		select {
		case message := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-p.ping:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-p.quit:
			p.flush()
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(closeWait))
			return
		}
	}
}

// flush writes whatever is still queued, without blocking on new frames.
func (p *Peer) flush() {
	for {
		select {
		case message := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(closeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
