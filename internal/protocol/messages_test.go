package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","interests":["music","gaming","anime"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	expected := []string{"music", "gaming", "anime"}
	if len(jm.Interests) != len(expected) {
		t.Fatalf("expected %d interests, got %d", len(expected), len(jm.Interests))
	}
	for i, v := range expected {
		if jm.Interests[i] != v {
			t.Errorf("interest[%d]: expected %q, got %q", i, v, jm.Interests[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed interests degrade to empty, not to a parse error
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinMalformedInterests(t *testing.T) {
	inputs := [][]byte{
		[]byte(`{"type":"join","interests":"not-a-list"}`),
		[]byte(`{"type":"join","interests":42}`),
		[]byte(`{"type":"join","interests":{"a":1}}`),
		[]byte(`{"type":"join"}`),
	}

	for _, input := range inputs {
		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("input %s: unexpected error: %v", input, err)
		}
		if msgType != TypeJoin {
			t.Fatalf("input %s: expected type %q, got %q", input, TypeJoin, msgType)
		}
		jm, ok := msg.(JoinMsg)
		if !ok {
			t.Fatalf("input %s: expected JoinMsg, got %T", input, msg)
		}
		if len(jm.Interests) != 0 {
			t.Errorf("input %s: expected empty interests, got %v", input, jm.Interests)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Signaling payloads survive parsing byte-for-byte
// ---------------------------------------------------------------------------

func TestParseClientMessage_SignalPayloadOpaque(t *testing.T) {
	payload := `{"sdp":"v=0\r\no=- 46117 2 IN IP4 127.0.0.1","type":"offer","n":9007199254740993}`
	input := []byte(`{"type":"signal_offer","room_id":"room-1","payload":` + payload + `}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSignalOffer {
		t.Fatalf("expected type %q, got %q", TypeSignalOffer, msgType)
	}

	sm, ok := msg.(SignalMsg)
	if !ok {
		t.Fatalf("expected SignalMsg, got %T", msg)
	}
	if sm.RoomID != "room-1" {
		t.Errorf("expected room_id %q, got %q", "room-1", sm.RoomID)
	}
	// The payload must be carried verbatim, including the large integer that
	// a float64 round-trip would corrupt.
	if !bytes.Equal(sm.Payload, []byte(payload)) {
		t.Errorf("payload modified:\n want %s\n got  %s", payload, sm.Payload)
	}
}

func TestParseClientMessage_SignalAnswerAndICE(t *testing.T) {
	for _, typ := range []string{TypeSignalAnswer, TypeSignalICE} {
		input := []byte(`{"type":"` + typ + `","room_id":"r","payload":{"x":1}}`)
		msgType, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("type %s: unexpected error: %v", typ, err)
		}
		if msgType != typ {
			t.Fatalf("expected type %q, got %q", typ, msgType)
		}
		sm, ok := msg.(SignalMsg)
		if !ok {
			t.Fatalf("type %s: expected SignalMsg, got %T", typ, msg)
		}
		if sm.Type != typ {
			t.Errorf("expected Type field %q, got %q", typ, sm.Type)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Chat, typing, and rate messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_Chat(t *testing.T) {
	input := []byte(`{"type":"chat","room_id":"abc-123","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeChat {
		t.Fatalf("expected type %q, got %q", TypeChat, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.RoomID != "abc-123" {
		t.Errorf("expected room_id %q, got %q", "abc-123", cm.RoomID)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
}

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","room_id":"abc","is_typing":true}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if !tm.IsTyping {
		t.Error("expected is_typing true")
	}
}

func TestParseClientMessage_Rate(t *testing.T) {
	input := []byte(`{"type":"rate","room_id":"abc","rating":false}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rm, ok := msg.(RateMsg)
	if !ok {
		t.Fatalf("expected RateMsg, got %T", msg)
	}
	if rm.RoomID != "abc" {
		t.Errorf("expected room_id %q, got %q", "abc", rm.RoomID)
	}
	if rm.Rating {
		t.Error("expected rating false")
	}
}

// ---------------------------------------------------------------------------
// Test: Error cases
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"teleport","room_id":"abc"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if msgType != "teleport" {
		t.Errorf("expected returned type %q, got %q", "teleport", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil msg, got %v", msg)
	}
}

func TestParseClientMessage_BadPayloadIsNotUnknownType(t *testing.T) {
	input := []byte(`{"type":"signal_offer","room_id":123}`)

	msgType, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for wrong-typed room_id")
	}
	if errors.Is(err, ErrUnknownType) {
		t.Errorf("decode failure must not report ErrUnknownType: %v", err)
	}
	if msgType != TypeSignalOffer {
		t.Errorf("expected returned type %q, got %q", TypeSignalOffer, msgType)
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"room_id":"abc"}`)); err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// ---------------------------------------------------------------------------
// Test: Server message construction
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{
		RoomID:           "room-1",
		PartnerID:        "p2",
		IsInitiator:      true,
		PartnerInterests: []string{"music"},
		CommonInterests:  []string{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeMatched {
		t.Errorf("expected type %q, got %v", TypeMatched, m["type"])
	}
	if m["room_id"] != "room-1" {
		t.Errorf("expected room_id %q, got %v", "room-1", m["room_id"])
	}
	if m["is_initiator"] != true {
		t.Errorf("expected is_initiator true, got %v", m["is_initiator"])
	}
}

func TestNewServerMessage_OverridesPayloadType(t *testing.T) {
	data, err := NewServerMessage(TypeWaiting, WaitingMsg{Type: "bogus"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeWaiting {
		t.Errorf("expected type %q, got %v", TypeWaiting, m["type"])
	}
}
