// Package protocol defines the JSON messages exchanged between mesh
// participants and the relay.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/meshcall/internal/domain"
)

type Type string

const (
	TypeJoinRoom  Type = "joinRoom"
	TypeLeaveRoom Type = "leaveRoom"
	TypeOffer     Type = "call"
	TypeAnswer    Type = "answerCall"
	TypeCandidate Type = "ICEcandidate"
	TypePresence  Type = "user-connected"
	TypeDeparture Type = "userDisconnected"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
	TypeError     Type = "error"
)

// IsRelayed reports whether messages of this type are routed to another
// participant rather than handled by the relay itself.
func (t Type) IsRelayed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// Message is the single envelope used in both directions. RTCMessage is
// opaque to the relay and forwarded byte for byte.
type Message struct {
	Type       Type                 `json:"type"`
	RoomID     domain.RoomID        `json:"roomId,omitempty"`
	From       domain.ParticipantID `json:"from,omitempty"`
	To         domain.ParticipantID `json:"to,omitempty"`
	RTCMessage json.RawMessage      `json:"rtcMessage,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Decode parses and validates a frame received by either side.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeJoinRoom, TypeLeaveRoom:
		if m.RoomID == "" {
			return fmt.Errorf("%s message missing roomId", m.Type)
		}
	case TypeOffer, TypeAnswer, TypeCandidate:
		if m.To == "" && m.From == "" {
			return fmt.Errorf("%s message missing to/from", m.Type)
		}
		if len(m.RTCMessage) == 0 {
			return fmt.Errorf("%s message missing rtcMessage", m.Type)
		}
	case TypePresence, TypeDeparture:
		if m.From == "" {
			return fmt.Errorf("%s message missing from", m.Type)
		}
	case TypePing, TypePong, TypeError:
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Join(room domain.RoomID) Message  { return Message{Type: TypeJoinRoom, RoomID: room} }
func Leave(room domain.RoomID) Message { return Message{Type: TypeLeaveRoom, RoomID: room} }

func Presence(p domain.ParticipantID) Message  { return Message{Type: TypePresence, From: p} }
func Departure(p domain.ParticipantID) Message { return Message{Type: TypeDeparture, From: p} }

// Outbound builds a client->relay routed message.
func Outbound(t Type, to domain.ParticipantID, payload json.RawMessage) Message {
	return Message{Type: t, To: to, RTCMessage: payload}
}

// Forwarded rewrites an inbound routed message for delivery: the recipient
// sees only the sender, never its own id.
func Forwarded(in Message, from domain.ParticipantID) Message {
	return Message{Type: in.Type, From: from, RTCMessage: in.RTCMessage}
}

func Errorf(format string, args ...any) Message {
	return Message{Type: TypeError, Error: fmt.Sprintf(format, args...)}
}
