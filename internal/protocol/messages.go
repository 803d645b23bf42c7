// Package protocol defines the JSON wire format between clients and the
// signaling server. Every message is an object with a "type" discriminator;
// the rest of the payload is decoded per type. WebRTC signaling payloads are
// carried as raw JSON and never inspected.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientMessage when the envelope carries
// a type string no client is expected to send. Callers distinguish it from
// payload decode failures, which indicate a known type with bad field values.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin         = "join"
	TypeSignalOffer  = "signal_offer"
	TypeSignalAnswer = "signal_answer"
	TypeSignalICE    = "signal_ice"
	TypeChat         = "chat"
	TypeTyping       = "typing"
	TypeRate         = "rate"
	TypePing         = "ping"
)

// Server -> Client message types. The three signal types and chat/typing are
// shared with the client -> server direction: the relay re-emits them under
// the same name.
const (
	TypeAssignedID  = "assigned_id"
	TypeWaiting     = "waiting"
	TypeMatched     = "matched"
	TypePartnerLeft = "partner_left"
	TypeRated       = "rated"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — first-pass decode that pulls out the type discriminator.
// ---------------------------------------------------------------------------

// Envelope carries the message type plus the untouched raw bytes, so the
// payload can be decoded into its concrete struct in a second pass.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw message and decodes only the "type"
// field. A message without a non-empty type is rejected here, before any
// per-type decoding happens.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if head.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = head.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is sent by the client to request matchmaking with optional interest
// tags. A missing or malformed interests field degrades to the empty set
// rather than rejecting the message.
type JoinMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests"`
}

// UnmarshalJSON decodes a join message leniently: if the interests field is
// not a JSON array of strings, it is treated as empty.
func (m *JoinMsg) UnmarshalJSON(data []byte) error {
	var partial struct {
		Type      string          `json:"type"`
		Interests json.RawMessage `json:"interests"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return err
	}
	m.Type = partial.Type
	m.Interests = nil
	if len(partial.Interests) > 0 {
		var interests []string
		if err := json.Unmarshal(partial.Interests, &interests); err == nil {
			m.Interests = interests
		}
	}
	return nil
}

// SignalMsg carries a WebRTC signaling payload (offer, answer, or ICE
// candidate) from the client. The payload is opaque to the server.
type SignalMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMsg is a text message sent by the client within a room.
type ChatMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// RateMsg is sent by the client to rate the partner. Sending a rating always
// ends the call, whatever the rating value.
type RateMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Rating bool   `json:"rating"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AssignedIDMsg informs the client of its participant identifier.
type AssignedIDMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// WaitingMsg is sent when no partner was found and the client entered the
// waiting pool.
type WaitingMsg struct {
	Type string `json:"type"`
}

// MatchedMsg is sent to both sides of a new room. Exactly one side receives
// IsInitiator=true and is responsible for originating the WebRTC offer.
type MatchedMsg struct {
	Type             string   `json:"type"`
	RoomID           string   `json:"room_id"`
	PartnerID        string   `json:"partner_id"`
	IsInitiator      bool     `json:"is_initiator"`
	PartnerInterests []string `json:"partner_interests"`
	CommonInterests  []string `json:"common_interests"`
}

// ServerSignalMsg relays an opaque signaling payload to the partner. It is
// emitted under the same type name as the inbound signal message.
type ServerSignalMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerChatMsg is a text message relayed from the partner.
type ServerChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerTypingMsg relays the partner's typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// PartnerLeftMsg is sent when the room was closed: the partner disconnected,
// ended the call, or rated the call.
type PartnerLeftMsg struct {
	Type string `json:"type"`
}

// RatedMsg delivers the partner's rating before the call is torn down.
type RatedMsg struct {
	Type   string `json:"type"`
	Rating bool   `json:"rating"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		m.Type = env.Type
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRate:
		var m RateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes a server message struct and forces the "type" key
// to msgType, so a payload struct with a stale or empty Type field still goes
// out labelled correctly.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
