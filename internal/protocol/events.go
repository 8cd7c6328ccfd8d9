package protocol

import "time"

// Event type discriminators for outbound frames.
const (
	EventWelcome            = "welcome"
	EventRegisterResult     = "register_result"
	EventJoinResult         = "join_result"
	EventLeaveResult        = "leave_result"
	EventCloseResult        = "close_result"
	EventMessage            = "message"
	EventError              = "error"
	EventClientJoined       = "client_joined"
	EventClientDisconnected = "client_disconnected"
	EventWavelengthClosed   = "wavelength_closed"
	EventPTTGranted         = "ptt_granted"
	EventPTTDenied          = "ptt_denied"
	EventPTTStartReceiving  = "ptt_start_receiving"
	EventPTTStopReceiving   = "ptt_stop_receiving"
)

// Welcome greets a freshly accepted connection.
type Welcome struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterResult answers a register_wavelength frame.
type RegisterResult struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Frequency string `json:"frequency,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JoinResult answers a join_wavelength frame.
type JoinResult struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Frequency string `json:"frequency,omitempty"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// LeaveResult answers a leave_wavelength frame.
type LeaveResult struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Frequency string `json:"frequency"`
}

// CloseResult answers a close_wavelength frame.
type CloseResult struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Frequency string `json:"frequency,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Message is the chat payload echoed to the sender (IsSelf true) and fanned
// out to the rest of the channel. Attachment fields are set for file sends.
type Message struct {
	Type               string `json:"type"`
	Sender             string `json:"sender"`
	SenderID           string `json:"senderId,omitempty"`
	Content            string `json:"content,omitempty"`
	Frequency          string `json:"frequency"`
	MessageID          string `json:"messageId"`
	Timestamp          string `json:"timestamp"`
	IsSelf             bool   `json:"isSelf,omitempty"`
	HasAttachment      bool   `json:"hasAttachment,omitempty"`
	AttachmentType     string `json:"attachmentType,omitempty"`
	AttachmentMimeType string `json:"attachmentMimeType,omitempty"`
	AttachmentName     string `json:"attachmentName,omitempty"`
	AttachmentData     string `json:"attachmentData,omitempty"`
}

// ErrorEvent reports a request-level failure without closing the connection.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ClientJoined notifies the channel that a new member arrived.
type ClientJoined struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency"`
	ClientID  string `json:"clientId"`
}

// ClientDisconnected notifies the host that a member left or dropped.
type ClientDisconnected struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency"`
	SessionID string `json:"sessionId"`
}

// WavelengthClosed notifies members that their channel is gone.
type WavelengthClosed struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency"`
	Reason    string `json:"reason"`
}

// PTTGranted confirms the requester now holds the transmit slot.
type PTTGranted struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency"`
}

// PTTDenied rejects a slot request, naming the reason.
type PTTDenied struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency"`
	Reason    string `json:"reason"`
}

// PTTStartReceiving tells listeners that audio is about to flow.
type PTTStartReceiving struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency"`
	SenderID  string `json:"senderId"`
}

// PTTStopReceiving tells listeners the transmission ended.
type PTTStopReceiving struct {
	Type      string `json:"type"`
	Frequency string `json:"frequency"`
}
