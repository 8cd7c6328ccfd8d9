// Package protocol defines the JSON wire frames exchanged with clients.
// Inbound control frames form a tagged union keyed by the "type" field;
// binary frames never reach this package and are relayed as PTT audio.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType discriminates inbound control frames.
type FrameType string

const (
	TypeRegisterWavelength FrameType = "register_wavelength"
	TypeJoinWavelength     FrameType = "join_wavelength"
	TypeSendMessage        FrameType = "send_message"
	TypeSendFile           FrameType = "send_file"
	TypeLeaveWavelength    FrameType = "leave_wavelength"
	TypeCloseWavelength    FrameType = "close_wavelength"
	TypeRequestPTT         FrameType = "request_ptt"
	TypeReleasePTT         FrameType = "release_ptt"
)

// ErrMissingType reports a JSON frame without a type discriminator.
var ErrMissingType = errors.New("missing type field")

// UnknownTypeError reports a type discriminator the dispatcher does not
// handle.
type UnknownTypeError struct {
	Type FrameType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}

// Frame is the closed set of inbound control frames.
type Frame interface {
	isFrame()
}

// RawFrequency accepts a frequency sent either as a JSON number or a JSON
// string; canonicalization happens downstream.
type RawFrequency string

// UnmarshalJSON keeps the textual form of whatever the client sent.
func (f *RawFrequency) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = RawFrequency(s)
		return nil
	}
	*f = RawFrequency(trimmed)
	return nil
}

// RegisterWavelength asks to host a new channel.
type RegisterWavelength struct {
	Frequency RawFrequency `json:"frequency"`
	Name      string       `json:"name"`
	Protected bool         `json:"isPasswordProtected"`
	Password  string       `json:"password"`
}

// JoinWavelength asks to join an existing channel.
type JoinWavelength struct {
	Frequency RawFrequency `json:"frequency"`
	Password  string       `json:"password"`
}

// SendMessage carries chat text on the sender's current channel.
type SendMessage struct {
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

// SendFile carries a base64-encoded attachment on the sender's current
// channel.
type SendFile struct {
	AttachmentType     string `json:"attachmentType"`
	AttachmentMimeType string `json:"attachmentMimeType"`
	AttachmentName     string `json:"attachmentName"`
	AttachmentData     string `json:"attachmentData"`
	MessageID          string `json:"messageId"`
}

// LeaveWavelength leaves the sender's current channel.
type LeaveWavelength struct{}

// CloseWavelength closes the sender's channel (host only).
type CloseWavelength struct{}

// RequestPTT claims the push-to-talk slot.
type RequestPTT struct {
	Frequency RawFrequency `json:"frequency"`
}

// ReleasePTT releases the push-to-talk slot.
type ReleasePTT struct {
	Frequency RawFrequency `json:"frequency"`
}

func (RegisterWavelength) isFrame() {}
func (JoinWavelength) isFrame()     {}
func (SendMessage) isFrame()        {}
func (SendFile) isFrame()           {}
func (LeaveWavelength) isFrame()    {}
func (CloseWavelength) isFrame()    {}
func (RequestPTT) isFrame()         {}
func (ReleasePTT) isFrame()         {}

// Decode parses an inbound text frame into its typed representation.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	switch head.Type {
	case TypeRegisterWavelength:
		return decodeInto[RegisterWavelength](data)
	case TypeJoinWavelength:
		return decodeInto[JoinWavelength](data)
	case TypeSendMessage:
		return decodeInto[SendMessage](data)
	case TypeSendFile:
		return decodeInto[SendFile](data)
	case TypeLeaveWavelength:
		return &LeaveWavelength{}, nil
	case TypeCloseWavelength:
		return &CloseWavelength{}, nil
	case TypeRequestPTT:
		return decodeInto[RequestPTT](data)
	case TypeReleasePTT:
		return decodeInto[ReleasePTT](data)
	default:
		return nil, &UnknownTypeError{Type: head.Type}
	}
}

func decodeInto[T any, PT interface {
	Frame
	*T
}](data []byte) (Frame, error) {
	frame := PT(new(T))
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("invalid %T payload: %w", frame, err)
	}
	return frame, nil
}
