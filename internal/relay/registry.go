package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wavelength-app/relay/internal/auth"
	"github.com/wavelength-app/relay/internal/protocol"
)

var (
	// ErrFrequencyInUse reports a register on a frequency with a live host.
	ErrFrequencyInUse = errors.New("frequency is already in use")
	// ErrChannelNotFound reports an operation on a frequency with no live
	// channel.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrInvalidPassword reports a failed shared-secret check on join.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrNotInChannel reports a channel operation from a peer that is not
	// the host or a member of that channel.
	ErrNotInChannel = errors.New("not in channel")
	// ErrAlreadyInChannel reports a register or join from a peer that is
	// still bound to a channel. A connection holds at most one binding;
	// the peer must leave before attaching elsewhere.
	ErrAlreadyInChannel = errors.New("already in a channel")
)

// Message-id dedup bounds: the per-channel FIFO keeps at most processedCap
// ids and sheds the oldest processedTrim on overflow.
const (
	processedCap  = 1000
	processedTrim = 200
)

// channel is a live channel entry. Owned exclusively by the Registry; every
// field is guarded by the registry mutex.
type channel struct {
	frequency    string
	name         string
	protected    bool
	passwordHash string
	createdAt    time.Time

	host    *Peer
	clients map[*Peer]struct{}

	processed      map[string]struct{}
	processedOrder []string

	ptt *Peer
}

// peersExcept snapshots host plus members, minus the excluded peer.
func (c *channel) peersExcept(exclude *Peer) []*Peer {
	peers := make([]*Peer, 0, len(c.clients)+1)
	if c.host != nil && c.host != exclude {
		peers = append(peers, c.host)
	}
	for client := range c.clients {
		if client != exclude {
			peers = append(peers, client)
		}
	}
	return peers
}

// ChannelInfo is a read-only snapshot for the query surface.
type ChannelInfo struct {
	Frequency   string
	Name        string
	Protected   bool
	MemberCount int
	CreatedAt   time.Time
}

// Registry owns the authoritative in-memory map of live channels and their
// connected peers. It is safe for concurrent use; all map reads and their
// dependent writes happen inside one critical section.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channel
	log      zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*channel),
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// Register creates a live channel for the given host. The frequency must be
// canonical. Fails with ErrFrequencyInUse when a live entry already exists.
func (r *Registry) Register(host *Peer, frequency, name string, protected bool, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if host.Frequency() != "" {
		return ErrAlreadyInChannel
	}
	if _, exists := r.channels[frequency]; exists {
		return ErrFrequencyInUse
	}

	r.channels[frequency] = &channel{
		frequency:    frequency,
		name:         name,
		protected:    protected,
		passwordHash: passwordHash,
		createdAt:    time.Now().UTC(),
		host:         host,
		clients:      make(map[*Peer]struct{}),
		processed:    make(map[string]struct{}),
	}
	host.bind(frequency, RoleHost)

	r.log.Info().Str("frequency", frequency).Str("host", host.SessionID).Msg("channel registered")
	return nil
}

// Join adds a peer to a live channel after the shared-secret check and
// notifies the host. Returns the channel name.
func (r *Registry) Join(peer *Peer, frequency, password string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer.Frequency() != "" {
		return "", ErrAlreadyInChannel
	}
	ch, exists := r.channels[frequency]
	if !exists {
		return "", ErrChannelNotFound
	}
	if ch.protected {
		if err := auth.ComparePassword(ch.passwordHash, password); err != nil {
			return "", ErrInvalidPassword
		}
	}

	ch.clients[peer] = struct{}{}
	peer.bind(frequency, RoleClient)

	r.notify(ch.host, protocol.ClientJoined{
		Type:      protocol.EventClientJoined,
		Frequency: frequency,
		ClientID:  peer.SessionID,
	})

	r.log.Info().Str("frequency", frequency).Str("client", peer.SessionID).
		Int("members", len(ch.clients)).Msg("client joined")
	return ch.name, nil
}

// DisconnectResult reports what a disconnect tore down.
type DisconnectResult struct {
	// ClosedFrequency is set when the peer hosted a channel and the whole
	// channel was removed; the orchestration service reconciles the durable
	// store and the allocator for it.
	ClosedFrequency string
}

// Disconnect detaches a peer from its channel. Idempotent: a second call for
// the same peer is a no-op, so an explicit leave followed by a transport
// close never double-broadcasts or double-deletes.
func (r *Registry) Disconnect(peer *Peer, reason string) DisconnectResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	frequency := peer.Frequency()
	if frequency == "" {
		return DisconnectResult{}
	}

	ch, exists := r.channels[frequency]
	if !exists {
		peer.unbind()
		return DisconnectResult{}
	}

	r.releaseSlotLocked(ch, peer)

	if peer == ch.host {
		r.teardownLocked(ch, reason)
		return DisconnectResult{ClosedFrequency: frequency}
	}

	if _, isMember := ch.clients[peer]; isMember {
		delete(ch.clients, peer)
		peer.unbind()
		r.notify(ch.host, protocol.ClientDisconnected{
			Type:      protocol.EventClientDisconnected,
			Frequency: frequency,
			SessionID: peer.SessionID,
		})
		r.log.Info().Str("frequency", frequency).Str("client", peer.SessionID).
			Int("members", len(ch.clients)).Msg("client disconnected")
	} else {
		peer.unbind()
	}
	return DisconnectResult{}
}

// Close tears down a live channel (explicit host close), notifying members.
// The host transport stays open so the close result can still be delivered
// and the connection can register a new channel. Reports whether a live
// entry existed.
func (r *Registry) Close(frequency, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.channels[frequency]
	if !exists {
		return false
	}
	r.teardownLocked(ch, reason)
	return true
}

// teardownLocked removes a channel, notifying members and unbinding every
// peer. The host transport is left to the caller.
func (r *Registry) teardownLocked(ch *channel, reason string) {
	closed := protocol.WavelengthClosed{
		Type:      protocol.EventWavelengthClosed,
		Frequency: ch.frequency,
		Reason:    reason,
	}
	for client := range ch.clients {
		r.notify(client, closed)
		client.unbind()
	}
	if ch.host != nil {
		ch.host.unbind()
	}
	ch.ptt = nil
	delete(r.channels, ch.frequency)

	r.log.Info().Str("frequency", ch.frequency).Str("reason", reason).Msg("channel closed")
}

// Broadcast fans an event out to the channel's host and members, excluding
// one peer. Send failures are logged and skipped; delivery to the remaining
// peers always proceeds.
func (r *Registry) Broadcast(frequency string, event any, exclude *Peer) {
	data, err := json.Marshal(event)
	if err != nil {
		r.log.Error().Err(err).Str("frequency", frequency).Msg("broadcast marshal failed")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, exists := r.channels[frequency]
	if !exists {
		r.log.Warn().Str("frequency", frequency).Msg("broadcast on inactive channel")
		return
	}
	r.fanOutLocked(ch, websocket.TextMessage, data, exclude)
}

func (r *Registry) fanOutLocked(ch *channel, messageType int, data []byte, exclude *Peer) {
	for _, peer := range ch.peersExcept(exclude) {
		if err := peer.TrySend(messageType, data); err != nil {
			r.log.Warn().Err(err).Str("frequency", ch.frequency).
				Str("peer", peer.SessionID).Msg("broadcast send failed")
			if errors.Is(err, ErrSendBufferFull) {
				// Slow consumer: cut it loose instead of blocking the
				// channel. Cleanup follows through the disconnect path.
				peer.Close()
			}
		}
	}
}

// notify sends to a single peer with broadcast error semantics.
func (r *Registry) notify(peer *Peer, event any) {
	if peer == nil {
		return
	}
	if err := peer.SendEvent(event); err != nil {
		r.log.Warn().Err(err).Str("peer", peer.SessionID).Msg("notify failed")
	}
}

// IsProcessed reports whether a message id was already seen on the channel.
func (r *Registry) IsProcessed(frequency, messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, exists := r.channels[frequency]
	if !exists {
		return false
	}
	_, seen := ch.processed[messageID]
	return seen
}

// MarkProcessed records a message id, shedding the oldest entries when the
// per-channel FIFO overflows.
func (r *Registry) MarkProcessed(frequency, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, exists := r.channels[frequency]
	if !exists {
		return
	}
	if _, seen := ch.processed[messageID]; seen {
		return
	}
	ch.processed[messageID] = struct{}{}
	ch.processedOrder = append(ch.processedOrder, messageID)

	if len(ch.processedOrder) > processedCap {
		for _, old := range ch.processedOrder[:processedTrim] {
			delete(ch.processed, old)
		}
		ch.processedOrder = append(ch.processedOrder[:0:0], ch.processedOrder[processedTrim:]...)
		r.log.Debug().Str("frequency", frequency).Int("size", len(ch.processedOrder)).
			Msg("trimmed processed message ids")
	}
}

// RequestSlot claims the push-to-talk slot. Granted when the slot is free or
// already held by the requester; on a fresh grant the rest of the channel is
// told to start receiving. Denied returns the current holder's session id.
func (r *Registry) RequestSlot(peer *Peer, frequency string) (granted bool, holder string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.channels[frequency]
	if !exists {
		return false, "", ErrChannelNotFound
	}
	if peer != ch.host {
		if _, isMember := ch.clients[peer]; !isMember {
			return false, "", ErrNotInChannel
		}
	}

	if ch.ptt != nil && ch.ptt != peer {
		return false, ch.ptt.SessionID, nil
	}
	fresh := ch.ptt == nil
	ch.ptt = peer

	if fresh {
		data, marshalErr := json.Marshal(protocol.PTTStartReceiving{
			Type:      protocol.EventPTTStartReceiving,
			Frequency: frequency,
			SenderID:  peer.SessionID,
		})
		if marshalErr == nil {
			r.fanOutLocked(ch, websocket.TextMessage, data, peer)
		}
		r.log.Info().Str("frequency", frequency).Str("holder", peer.SessionID).Msg("ptt granted")
	}
	return true, "", nil
}

// ReleaseSlot frees the push-to-talk slot when the caller holds it and
// broadcasts the stop notice.
func (r *Registry) ReleaseSlot(peer *Peer, frequency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, exists := r.channels[frequency]
	if !exists {
		return
	}
	r.releaseSlotLocked(ch, peer)
}

func (r *Registry) releaseSlotLocked(ch *channel, peer *Peer) {
	if ch.ptt != peer || peer == nil {
		return
	}
	ch.ptt = nil
	data, err := json.Marshal(protocol.PTTStopReceiving{
		Type:      protocol.EventPTTStopReceiving,
		Frequency: ch.frequency,
	})
	if err == nil {
		r.fanOutLocked(ch, websocket.TextMessage, data, peer)
	}
	r.log.Info().Str("frequency", ch.frequency).Str("holder", peer.SessionID).Msg("ptt released")
}

// RelayAudio fans a binary audio frame out to the sender's channel, but only
// while the sender holds the push-to-talk slot; anything else is silently
// dropped.
func (r *Registry) RelayAudio(peer *Peer, data []byte) {
	frequency := peer.Frequency()
	if frequency == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, exists := r.channels[frequency]
	if !exists || ch.ptt != peer {
		return
	}
	r.fanOutLocked(ch, websocket.BinaryMessage, data, peer)
}

// Active reports whether a live channel exists for the frequency.
func (r *Registry) Active(frequency string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.channels[frequency]
	return exists
}

// Info returns a read-only snapshot of a live channel.
func (r *Registry) Info(frequency string) (ChannelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, exists := r.channels[frequency]
	if !exists {
		return ChannelInfo{}, false
	}
	return ChannelInfo{
		Frequency:   ch.frequency,
		Name:        ch.name,
		Protected:   ch.protected,
		MemberCount: len(ch.clients),
		CreatedAt:   ch.createdAt,
	}, true
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
