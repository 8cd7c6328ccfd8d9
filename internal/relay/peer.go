// Package relay implements the live channel registry, the orchestration
// service that keeps it consistent with the allocator and the durable store,
// and the per-connection protocol dispatcher.
package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Role describes a peer's relationship to its current channel.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleClient
)

var (
	// ErrPeerClosed reports a send to a terminated connection.
	ErrPeerClosed = errors.New("peer closed")
	// ErrSendBufferFull reports a saturated outbound queue. The peer is a
	// slow consumer and gets disconnected rather than blocking the sender.
	ErrSendBufferFull = errors.New("send buffer full")
)

type outbound struct {
	messageType int
	data        []byte
}

// Peer is one transport session. It belongs to at most one channel at a
// time; role and frequency are bound by the registry. Outbound delivery runs
// through a bounded queue drained by writePump so that broadcast fan-out
// never blocks and never writes to the socket concurrently.
type Peer struct {
	SessionID string

	log  zerolog.Logger
	conn *websocket.Conn
	send chan outbound
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	role      Role
	frequency string
	alive     bool
}

// newPeer wraps an accepted connection. conn may be nil in tests; the peer
// then just queues outbound frames.
func newPeer(conn *websocket.Conn, buffer int, log zerolog.Logger) *Peer {
	id := uuid.NewString()
	return &Peer{
		SessionID: id,
		log:       log.With().Str("session", id).Logger(),
		conn:      conn,
		send:      make(chan outbound, buffer),
		done:      make(chan struct{}),
		alive:     true,
	}
}

// Role returns the peer's current channel role.
func (p *Peer) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Frequency returns the peer's current channel, or "" when idle.
func (p *Peer) Frequency() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frequency
}

func (p *Peer) bind(frequency string, role Role) {
	p.mu.Lock()
	p.frequency = frequency
	p.role = role
	p.mu.Unlock()
}

func (p *Peer) unbind() {
	p.bind("", RoleNone)
}

// Alive reports whether the peer acknowledged the last keepalive probe.
func (p *Peer) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// SetAlive updates the liveness flag; the heartbeat loop clears it before
// each probe and the pong handler sets it.
func (p *Peer) SetAlive(alive bool) {
	p.mu.Lock()
	p.alive = alive
	p.mu.Unlock()
}

// TrySend queues a frame without blocking.
func (p *Peer) TrySend(messageType int, data []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendEvent marshals an outbound event and queues it as a text frame.
func (p *Peer) SendEvent(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.TrySend(websocket.TextMessage, data)
}

// Ping queues a keepalive probe.
func (p *Peer) Ping() error {
	return p.TrySend(websocket.PingMessage, nil)
}

// Close terminates the peer. Idempotent; the write pump notices and closes
// the underlying connection, which in turn unblocks the read loop.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.done)
		if p.conn != nil {
			// Unblock a read loop that is not currently writing.
			_ = p.conn.Close()
		}
	})
}

// Closed reports whether Close has been called.
func (p *Peer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// writePump drains the outbound queue onto the socket. It owns all writes to
// the connection.
func (p *Peer) writePump(writeTimeout time.Duration) {
	defer func() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
	}()

	for {
		select {
		case <-p.done:
			if p.conn != nil {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		case out := <-p.send:
			if p.conn == nil {
				continue
			}
			if writeTimeout > 0 {
				_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := p.conn.WriteMessage(out.messageType, out.data); err != nil {
				p.log.Debug().Err(err).Msg("write failed; closing peer")
				p.Close()
				return
			}
		}
	}
}
