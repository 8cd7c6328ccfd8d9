package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wavelength-app/relay/internal/frequency"
	"github.com/wavelength-app/relay/internal/protocol"
)

// Dispatcher routes inbound frames from a peer: binary frames go straight to
// the audio relay path, text frames are decoded and handled per type.
type Dispatcher struct {
	service         *Service
	attachmentLimit int
	log             zerolog.Logger
}

// NewDispatcher builds a dispatcher over the orchestration service.
// attachmentLimit bounds the decoded size of file payloads in bytes.
func NewDispatcher(service *Service, attachmentLimit int, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		service:         service,
		attachmentLimit: attachmentLimit,
		log:             log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch handles one inbound websocket frame from peer.
func (d *Dispatcher) Dispatch(ctx context.Context, peer *Peer, messageType int, data []byte) {
	if messageType == websocket.BinaryMessage {
		d.service.Registry().RelayAudio(peer, data)
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		switch {
		case errors.As(err, &unknown):
			d.sendError(peer, "Unknown message type: "+string(unknown.Type))
		case errors.Is(err, protocol.ErrMissingType):
			d.sendError(peer, "Invalid message format")
		default:
			d.log.Debug().Err(err).Str("session", peer.SessionID).Msg("undecodable frame")
			d.sendError(peer, "Invalid message format")
		}
		return
	}

	switch f := frame.(type) {
	case *protocol.RegisterWavelength:
		d.handleRegister(ctx, peer, f)
	case *protocol.JoinWavelength:
		d.handleJoin(ctx, peer, f)
	case *protocol.SendMessage:
		d.handleSendMessage(peer, f)
	case *protocol.SendFile:
		d.handleSendFile(peer, f)
	case *protocol.LeaveWavelength:
		d.handleLeave(ctx, peer)
	case *protocol.CloseWavelength:
		d.handleClose(ctx, peer)
	case *protocol.RequestPTT:
		d.handleRequestPTT(peer, f)
	case *protocol.ReleasePTT:
		d.handleReleasePTT(peer, f)
	default:
		d.sendError(peer, "Invalid message format")
	}
}

func (d *Dispatcher) handleRegister(ctx context.Context, peer *Peer, f *protocol.RegisterWavelength) {
	canonical, err := d.service.RegisterChannel(ctx, peer, string(f.Frequency), f.Name, f.Protected, f.Password)
	if err != nil {
		peer.SendEvent(protocol.RegisterResult{
			Type:  protocol.EventRegisterResult,
			Error: registerErrorMessage(err),
		})
		return
	}
	peer.SendEvent(protocol.RegisterResult{
		Type:      protocol.EventRegisterResult,
		Success:   true,
		Frequency: canonical,
		SessionID: peer.SessionID,
	})
}

func registerErrorMessage(err error) string {
	switch {
	case errors.Is(err, frequency.ErrInvalid):
		return "Invalid frequency format. Must be a positive number."
	case errors.Is(err, ErrFrequencyInUse):
		return "Frequency is already in use"
	case errors.Is(err, ErrAlreadyInChannel):
		return "Already connected to a wavelength"
	default:
		return "Server error, please try again"
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, peer *Peer, f *protocol.JoinWavelength) {
	name, err := d.service.JoinChannel(ctx, peer, string(f.Frequency), f.Password)
	if err != nil {
		peer.SendEvent(protocol.JoinResult{
			Type:  protocol.EventJoinResult,
			Error: joinErrorMessage(err),
		})
		return
	}
	peer.SendEvent(protocol.JoinResult{
		Type:      protocol.EventJoinResult,
		Success:   true,
		Frequency: peer.Frequency(),
		Name:      name,
		SessionID: peer.SessionID,
	})
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, frequency.ErrInvalid):
		return "Invalid frequency format. Must be a positive number."
	case errors.Is(err, ErrChannelNotFound):
		return "Wavelength does not exist"
	case errors.Is(err, ErrHostOffline):
		return "Wavelength host is offline"
	case errors.Is(err, ErrInvalidPassword):
		return "Invalid password"
	case errors.Is(err, ErrAlreadyInChannel):
		return "Already connected to a wavelength"
	default:
		return "Server error, please try again"
	}
}

func (d *Dispatcher) handleSendMessage(peer *Peer, f *protocol.SendMessage) {
	freq := peer.Frequency()
	if freq == "" {
		d.sendError(peer, "Cannot send message: Not connected to a frequency")
		return
	}

	registry := d.service.Registry()
	messageID := f.MessageID
	if messageID == "" {
		messageID = "msg_" + uuid.NewString()
	}
	if registry.IsProcessed(freq, messageID) {
		return
	}
	registry.MarkProcessed(freq, messageID)

	timestamp := time.Now().UTC().Format(time.RFC3339)
	event := protocol.Message{
		Type:      protocol.EventMessage,
		Sender:    senderLabel(peer),
		SenderID:  peer.SessionID,
		Content:   f.Content,
		Frequency: freq,
		MessageID: messageID,
		Timestamp: timestamp,
	}
	registry.Broadcast(freq, event, peer)

	echo := event
	echo.Sender = "You"
	echo.IsSelf = true
	peer.SendEvent(echo)
}

func (d *Dispatcher) handleSendFile(peer *Peer, f *protocol.SendFile) {
	freq := peer.Frequency()
	if freq == "" {
		d.sendError(peer, "Cannot send file: Not connected to a frequency")
		return
	}
	// Payload arrives base64 encoded; 3/4 of the text length approximates
	// the decoded size.
	if len(f.AttachmentData)/4*3 > d.attachmentLimit {
		d.sendError(peer, "File size exceeds the maximum limit")
		return
	}

	registry := d.service.Registry()
	messageID := f.MessageID
	if messageID == "" {
		messageID = "file_" + uuid.NewString()
	}
	if registry.IsProcessed(freq, messageID) {
		return
	}
	registry.MarkProcessed(freq, messageID)

	timestamp := time.Now().UTC().Format(time.RFC3339)
	event := protocol.Message{
		Type:               protocol.EventMessage,
		Sender:             senderLabel(peer),
		SenderID:           peer.SessionID,
		Frequency:          freq,
		MessageID:          messageID,
		Timestamp:          timestamp,
		HasAttachment:      true,
		AttachmentType:     f.AttachmentType,
		AttachmentMimeType: f.AttachmentMimeType,
		AttachmentName:     f.AttachmentName,
		AttachmentData:     f.AttachmentData,
	}
	registry.Broadcast(freq, event, peer)

	// The sender already holds the payload; the echo carries metadata only.
	echo := event
	echo.Sender = "You"
	echo.IsSelf = true
	echo.AttachmentData = ""
	peer.SendEvent(echo)
}

func (d *Dispatcher) handleLeave(ctx context.Context, peer *Peer) {
	freq := peer.Frequency()
	d.service.HandleDisconnect(ctx, peer, "Host left the wavelength")
	peer.SendEvent(protocol.LeaveResult{
		Type:      protocol.EventLeaveResult,
		Success:   true,
		Frequency: freq,
	})
}

func (d *Dispatcher) handleClose(ctx context.Context, peer *Peer) {
	freq := peer.Frequency()
	if freq == "" || peer.Role() != RoleHost {
		peer.SendEvent(protocol.CloseResult{
			Type:  protocol.EventCloseResult,
			Error: "Only the host can close the wavelength",
		})
		return
	}
	d.service.CloseChannel(ctx, freq, "Wavelength closed by host")
	peer.SendEvent(protocol.CloseResult{
		Type:      protocol.EventCloseResult,
		Success:   true,
		Frequency: freq,
	})
}

func (d *Dispatcher) handleRequestPTT(peer *Peer, f *protocol.RequestPTT) {
	freq, ok := boundFrequency(peer, f.Frequency)
	if !ok {
		d.sendError(peer, "Cannot transmit: Not connected to a frequency")
		return
	}
	registry := d.service.Registry()
	granted, holder, err := registry.RequestSlot(peer, freq)
	if err != nil {
		d.sendError(peer, "Cannot transmit: Not connected to a frequency")
		return
	}
	if !granted {
		peer.SendEvent(protocol.PTTDenied{
			Type:      protocol.EventPTTDenied,
			Frequency: freq,
			Reason:    "Another client is transmitting: " + holder,
		})
		return
	}
	peer.SendEvent(protocol.PTTGranted{
		Type:      protocol.EventPTTGranted,
		Frequency: freq,
	})
}

func (d *Dispatcher) handleReleasePTT(peer *Peer, f *protocol.ReleasePTT) {
	freq, ok := boundFrequency(peer, f.Frequency)
	if !ok {
		return
	}
	// No direct response; everyone else learns via ptt_stop_receiving.
	d.service.Registry().ReleaseSlot(peer, freq)
}

// boundFrequency resolves the frequency a push-to-talk frame acts on: the
// peer's binding, but only when the frame's own frequency field (when set)
// names the same channel. A mismatch means the client targets a channel
// this connection is not on, and the frame is rejected.
func boundFrequency(peer *Peer, raw protocol.RawFrequency) (string, bool) {
	bound := peer.Frequency()
	if bound == "" {
		return "", false
	}
	if raw != "" {
		canonical, err := frequency.Normalize(string(raw))
		if err != nil || canonical != bound {
			return "", false
		}
	}
	return bound, true
}

func senderLabel(peer *Peer) string {
	if peer.Role() == RoleHost {
		return "Host"
	}
	if len(peer.SessionID) >= 8 {
		return peer.SessionID[:8]
	}
	return peer.SessionID
}

func (d *Dispatcher) sendError(peer *Peer, message string) {
	peer.SendEvent(protocol.ErrorEvent{
		Type:  protocol.EventError,
		Error: message,
	})
}
