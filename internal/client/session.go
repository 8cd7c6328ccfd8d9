package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wavelength-app/relay/internal/config"
)

// ErrNotConnected reports an operation attempted before Connect succeeded.
var ErrNotConnected = errors.New("not connected")

// Session manages the client side of a relay websocket connection. Reads
// flow through ReadEvent from the UI's event pump; writes are serialized by
// an internal mutex.
type Session struct {
	cfg config.ClientConfig

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSession initializes a session with configuration.
func NewSession(cfg config.ClientConfig) *Session {
	return &Session{cfg: cfg}
}

// Connect dials the relay server.
func (s *Session) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.ServerURL, nil)
	if err != nil {
		return err
	}
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// Close terminates the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Send writes a JSON control frame.
func (s *Session) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteJSON(frame)
}

// SendBinary writes a raw audio frame.
func (s *Session) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReadEvent blocks for the next frame from the server. Binary frames report
// binary=true with the payload untouched.
func (s *Session) ReadEvent() (data []byte, binary bool, err error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, false, ErrNotConnected
	}
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	return data, messageType == websocket.BinaryMessage, nil
}
