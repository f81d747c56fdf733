// internal/protocol/protocol.go
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates the wire envelope. The type fully determines the shape
// of the payload.
type Type string

const (
	TypeConnectionRequest Type = "connection-request"
	TypeConnectionAccept  Type = "connection-accept"
	TypeGameStateSync     Type = "game-state-sync"
	TypePlayerAction      Type = "player-action"
	TypeChat              Type = "chat"
	TypeEmote             Type = "emote"
	TypeError             Type = "error"
)

var knownTypes = map[Type]bool{
	TypeConnectionRequest: true,
	TypeConnectionAccept:  true,
	TypeGameStateSync:     true,
	TypePlayerAction:      true,
	TypeChat:              true,
	TypeEmote:             true,
	TypeError:             true,
}

// Known reports whether t is a type this protocol version understands.
func Known(t Type) bool { return knownTypes[t] }

var (
	// ErrMalformed marks an envelope that could not be decoded at all.
	ErrMalformed = errors.New("malformed protocol message")
	// ErrUnknownType marks a syntactically valid envelope of a type this
	// version does not understand. Dropped by dispatch, never fatal.
	ErrUnknownType = errors.New("unknown message type")
)

// Message is the wire envelope for everything exchanged over an established
// peer channel. SenderID and Timestamp are stamped by the sending service,
// not the caller, so per-sender ordering is at least locally consistent.
type Message struct {
	Type      Type            `json:"type"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the type-specific payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// Encode serializes the envelope.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates an inbound envelope. Unknown types decode
// successfully but are flagged so dispatch can drop them without killing the
// channel.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" || m.SenderID == "" {
		return Message{}, fmt.Errorf("%w: missing type or sender", ErrMalformed)
	}
	if !Known(m.Type) {
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}

// ConnectionRequest is sent by a newly connected peer to register itself
// with the host. This application-level handshake happens after the
// transport-level offer/answer exchange; it is the step that creates a
// player entry.
type ConnectionRequest struct {
	PlayerName string `json:"playerName"`
	GameCode   string `json:"gameCode"`
	IsHost     bool   `json:"isHost,omitempty"`
}

// ConnectionAccept is the host's admission reply.
type ConnectionAccept struct {
	HostName string `json:"hostName"`
	GameCode string `json:"gameCode"`
}

// Chat carries a lobby chat line.
type Chat struct {
	Text string `json:"text"`
}

// Emote carries a named emote.
type Emote struct {
	Emote string `json:"emote"`
}

// PlayerAction carries a game action; Data is opaque to the lobby layer.
type PlayerAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is surfaced to the receiver's error state, never dispatched
// as a normal message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
