package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wavelength-app/relay/internal/config"
	"github.com/wavelength-app/relay/internal/frequency"
	"github.com/wavelength-app/relay/internal/protocol"
	"github.com/wavelength-app/relay/internal/storage"
)

// Server owns the websocket endpoint, the read-side HTTP API, and the
// heartbeat loop that reaps unresponsive peers.
type Server struct {
	cfg        *config.ServerConfig
	service    *Service
	dispatcher *Dispatcher
	log        zerolog.Logger
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	peers map[*Peer]struct{}
}

// NewServer wires the transport layer over the orchestration service.
func NewServer(cfg *config.ServerConfig, service *Service, dispatcher *Dispatcher, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		service:    service,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "server").Logger(),
		peers:      make(map[*Peer]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/wavelengths", s.handleListChannels)
	mux.HandleFunc("GET /api/wavelengths/{frequency}", s.handleChannelInfo)
	mux.HandleFunc("GET /api/next-available-frequency", s.handleNextAvailable)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Run starts the HTTP listener and the heartbeat loop and blocks until ctx
// is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.service.Initialize(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.handler(),
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(heartbeatCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.closeAllPeers()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) closeAllPeers() {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.service.HandleDisconnect(context.Background(), p, "Server shutting down")
		p.Close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	peer := newPeer(conn, s.cfg.SendBuffer, s.log)
	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	go peer.writePump(s.cfg.WriteTimeout)

	peer.SendEvent(protocol.Welcome{
		Type:      protocol.EventWelcome,
		Message:   "Connected to Wavelength relay",
		Timestamp: time.Now().UTC(),
	})
	s.log.Info().Str("session", peer.SessionID).Str("remote", r.RemoteAddr).Msg("peer connected")

	s.readLoop(r.Context(), peer, conn)
}

func (s *Server) readLoop(ctx context.Context, peer *Peer, conn *websocket.Conn) {
	defer s.dropPeer(peer)

	conn.SetReadLimit(s.cfg.ReadLimitBytes)
	deadline := 2 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		peer.SetAlive(true)
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("session", peer.SessionID).Msg("read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		s.dispatcher.Dispatch(ctx, peer, messageType, data)
	}
}

func (s *Server) dropPeer(peer *Peer) {
	s.mu.Lock()
	delete(s.peers, peer)
	s.mu.Unlock()
	s.service.HandleDisconnect(context.Background(), peer, "Host disconnected")
	peer.Close()
	s.log.Info().Str("session", peer.SessionID).Msg("peer disconnected")
}

// heartbeatLoop pings every peer each interval. A peer that has not ponged
// since the previous round is treated as dead and torn down.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		peers := make([]*Peer, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()

		for _, p := range peers {
			if !p.Alive() {
				s.log.Warn().Str("session", p.SessionID).Msg("heartbeat timeout, terminating")
				s.service.HandleDisconnect(ctx, p, "Connection timed out")
				p.Close()
				continue
			}
			p.SetAlive(false)
			p.Ping()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"activeWavelengths": s.service.Registry().Len(),
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	views, err := s.service.ListChannels(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list channels failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Server error, please try again"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wavelengths": views})
}

func (s *Server) handleChannelInfo(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ChannelInfo(r.Context(), r.PathValue("frequency"))
	switch {
	case errors.Is(err, frequency.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid frequency format. Must be a positive number."})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Wavelength does not exist"})
	case err != nil:
		s.log.Error().Err(err).Msg("channel lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Server error, please try again"})
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleNextAvailable(w http.ResponseWriter, r *http.Request) {
	next, ok := s.service.FindNextAvailable(r.URL.Query().Get("preferred"))
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "No frequencies available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"frequency": next})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
