package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type FrameType string

// Inbound frame types.
const (
	FrameChat         FrameType = "chat"
	FrameHandRaise    FrameType = "hand_raise"
	FrameWebRTCSignal FrameType = "webrtc_signal"
)

// Outbound-only frame types.
const (
	FrameRoomState         FrameType = "room_state"
	FrameParticipantJoined FrameType = "participant_joined"
	FrameParticipantLeft   FrameType = "participant_left"
	FrameMeetingEnded      FrameType = "meeting_ended"
	FrameError             FrameType = "error"
)

// InboundFrame is a decoded client frame. Only the fields relevant to Type
// are populated.
type InboundFrame struct {
	Type    FrameType
	Message string
	Raised  bool
	To      UserID
	Signal  json.RawMessage
}

type inboundWire struct {
	Type    FrameType       `json:"type"`
	Message json.RawMessage `json:"message"`
	Raised  json.RawMessage `json:"raised"`
	To      json.RawMessage `json:"to"`
	Signal  json.RawMessage `json:"signal"`
}

// DecodeInbound parses a client frame. Every returned error wraps
// ErrMalformedFrame or ErrUnknownFrameType and its text is safe to echo back
// to the client.
func DecodeInbound(data []byte) (*InboundFrame, error) {
	var wire inboundWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}

	frame := &InboundFrame{Type: wire.Type}

	switch wire.Type {
	case FrameChat:
		if !isAbsent(wire.Message) {
			if err := json.Unmarshal(wire.Message, &frame.Message); err != nil {
				return nil, fmt.Errorf("%w: message must be a string", ErrMalformedFrame)
			}
		}

	case FrameHandRaise:
		if !isAbsent(wire.Raised) {
			if err := json.Unmarshal(wire.Raised, &frame.Raised); err != nil {
				return nil, fmt.Errorf("%w: raised must be a boolean", ErrMalformedFrame)
			}
		}

	case FrameWebRTCSignal:
		// a target that is not a user id addresses nobody
		if !isAbsent(wire.To) {
			var to UserID
			if err := json.Unmarshal(wire.To, &to); err == nil {
				frame.To = to
			}
		}
		frame.Signal = wire.Signal

	case "":
		return nil, fmt.Errorf("%w: message type is required", ErrMalformedFrame)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrameType, wire.Type)
	}

	return frame, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

type RoomStateFrame struct {
	Type         FrameType  `json:"type"`
	Participants []Identity `json:"participants"`
}

type ParticipantFrame struct {
	Type     FrameType `json:"type"`
	UserID   UserID    `json:"user_id"`
	Username string    `json:"username"`
}

type ChatFrame struct {
	Type     FrameType `json:"type"`
	UserID   UserID    `json:"user_id"`
	Username string    `json:"username"`
	Message  string    `json:"message"`
}

type HandRaiseFrame struct {
	Type     FrameType `json:"type"`
	UserID   UserID    `json:"user_id"`
	Username string    `json:"username"`
	Raised   bool      `json:"raised"`
}

type SignalFrame struct {
	Type         FrameType       `json:"type"`
	From         UserID          `json:"from"`
	FromUsername string          `json:"from_username"`
	Signal       json.RawMessage `json:"signal"`
}

type MeetingEndedFrame struct {
	Type FrameType `json:"type"`
}

type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

func NewRoomState(participants []Identity) RoomStateFrame {
	if participants == nil {
		participants = []Identity{}
	}
	return RoomStateFrame{Type: FrameRoomState, Participants: participants}
}

func NewParticipantJoined(who Identity) ParticipantFrame {
	return ParticipantFrame{Type: FrameParticipantJoined, UserID: who.ID, Username: who.Username}
}

func NewParticipantLeft(who Identity) ParticipantFrame {
	return ParticipantFrame{Type: FrameParticipantLeft, UserID: who.ID, Username: who.Username}
}

func NewChat(from Identity, message string) ChatFrame {
	return ChatFrame{Type: FrameChat, UserID: from.ID, Username: from.Username, Message: message}
}

func NewHandRaise(from Identity, raised bool) HandRaiseFrame {
	return HandRaiseFrame{Type: FrameHandRaise, UserID: from.ID, Username: from.Username, Raised: raised}
}

func NewSignal(from Identity, signal json.RawMessage) SignalFrame {
	if len(signal) == 0 {
		signal = json.RawMessage("null")
	}
	return SignalFrame{Type: FrameWebRTCSignal, From: from.ID, FromUsername: from.Username, Signal: signal}
}

func NewMeetingEnded() MeetingEndedFrame {
	return MeetingEndedFrame{Type: FrameMeetingEnded}
}

func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}
