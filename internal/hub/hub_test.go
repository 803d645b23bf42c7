package hub

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

// fakeConn records every frame written to it so tests can assert on the
// delivered message sequence.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) messages(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("frame is not valid JSON: %v (%s)", err, f)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, m := range c.messages(t) {
		typ, _ := m["type"].(string)
		types = append(types, typ)
	}
	return types
}

func (c *fakeConn) lastOfType(t *testing.T, typ string) map[string]interface{} {
	t.Helper()
	var found map[string]interface{}
	for _, m := range c.messages(t) {
		if m["type"] == typ {
			found = m
		}
	}
	return found
}

// pair connects two participants and matches them into a room, returning the
// room ID they were both told about.
func pair(t *testing.T, h *Hub, id1 string, c1 *fakeConn, id2 string, c2 *fakeConn, interests1, interests2 []string) string {
	t.Helper()
	h.Connect(id1, c1)
	h.Connect(id2, c2)
	h.HandleJoin(id1, interests1)
	h.HandleJoin(id2, interests2)

	m := c2.lastOfType(t, "matched")
	if m == nil {
		t.Fatal("expected the second joiner to be matched")
	}
	roomID, _ := m["room_id"].(string)
	if roomID == "" {
		t.Fatal("matched message carries no room_id")
	}
	return roomID
}

// ---------------------------------------------------------------------------
// Test: Join with empty waiting pool
// ---------------------------------------------------------------------------

func TestHub_JoinEntersWaitingPool(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("p1", c)
	h.HandleJoin("p1", []string{"music"})

	types := c.types(t)
	want := []string{"assigned_id", "waiting"}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Fatalf("expected message sequence %v, got %v", want, types)
	}

	assigned := c.lastOfType(t, "assigned_id")
	if assigned["participant_id"] != "p1" {
		t.Errorf("expected participant_id p1, got %v", assigned["participant_id"])
	}

	participants, rooms, waiting := h.Counts()
	if participants != 1 || rooms != 0 || waiting != 1 {
		t.Errorf("counts = (%d, %d, %d), want (1, 0, 1)", participants, rooms, waiting)
	}
}

func TestHub_JoinWithoutConnectIsNoop(t *testing.T) {
	h := New()
	h.HandleJoin("ghost", []string{"a"}) // must not panic

	participants, rooms, waiting := h.Counts()
	if participants != 0 || rooms != 0 || waiting != 0 {
		t.Errorf("counts = (%d, %d, %d), want all zero", participants, rooms, waiting)
	}
}

// ---------------------------------------------------------------------------
// Test: Two joins produce a match
// ---------------------------------------------------------------------------

func TestHub_MatchNotifiesBothSides(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	h.Connect("p1", c1)
	h.Connect("p2", c2)
	h.HandleJoin("p1", []string{"music", "gaming"})
	h.HandleJoin("p2", []string{"music", "art"})

	m1 := c1.lastOfType(t, "matched")
	m2 := c2.lastOfType(t, "matched")
	if m1 == nil || m2 == nil {
		t.Fatalf("both sides must receive matched (p1=%v p2=%v)", m1, m2)
	}

	if m1["room_id"] != m2["room_id"] {
		t.Errorf("room_id mismatch: %v vs %v", m1["room_id"], m2["room_id"])
	}
	if m1["partner_id"] != "p2" || m2["partner_id"] != "p1" {
		t.Errorf("partner ids wrong: p1 sees %v, p2 sees %v", m1["partner_id"], m2["partner_id"])
	}

	// Exactly one side initiates, and it is the joiner that triggered the match.
	if m2["is_initiator"] != true {
		t.Error("the match-triggering joiner must be the initiator")
	}
	if m1["is_initiator"] != false {
		t.Error("the waiting side must not be the initiator")
	}

	common, _ := m1["common_interests"].([]interface{})
	if len(common) != 1 || common[0] != "music" {
		t.Errorf("expected common interests [music], got %v", m1["common_interests"])
	}

	participants, rooms, waiting := h.Counts()
	if participants != 2 || rooms != 1 || waiting != 0 {
		t.Errorf("counts = (%d, %d, %d), want (2, 1, 0)", participants, rooms, waiting)
	}
}

func TestHub_MatchWithNoSharedInterests(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	h.Connect("p1", c1)
	h.Connect("p2", c2)
	h.HandleJoin("p1", []string{"chess"})
	h.HandleJoin("p2", nil)

	m2 := c2.lastOfType(t, "matched")
	if m2 == nil {
		t.Fatal("expected unconditional fallback match")
	}
	common, ok := m2["common_interests"].([]interface{})
	if !ok {
		t.Fatalf("common_interests must be an empty array, not %T", m2["common_interests"])
	}
	if len(common) != 0 {
		t.Errorf("expected no common interests, got %v", common)
	}
}

func TestHub_JoinWhileInRoomIsIgnored(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	pair(t, h, "p1", c1, "p2", c2, nil, nil)

	before := len(c1.types(t))
	h.HandleJoin("p1", []string{"a"})
	if got := len(c1.types(t)); got != before {
		t.Errorf("in-room join must be silent, got %d new frames", got-before)
	}

	_, rooms, waiting := h.Counts()
	if rooms != 1 || waiting != 0 {
		t.Errorf("rooms=%d waiting=%d, want 1/0", rooms, waiting)
	}
}

// ---------------------------------------------------------------------------
// Test: Signal relay
// ---------------------------------------------------------------------------

func TestHub_SignalRelaysPayloadVerbatim(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

	payload := `{"sdp":"v=0\r\nfake","seq":9007199254740993}`
	h.HandleSignal("p1", "signal_offer", roomID, json.RawMessage(payload))

	c2.mu.Lock()
	last := c2.frames[len(c2.frames)-1]
	c2.mu.Unlock()
	if !bytes.Contains(last, []byte(payload)) {
		t.Errorf("relayed frame must embed the payload verbatim:\n%s", last)
	}

	m := c2.lastOfType(t, "signal_offer")
	if m == nil {
		t.Fatal("partner did not receive the signal")
	}
}

func TestHub_SignalDropsWhenRoomGone(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

	if err := h.EndCall(roomID, "p1"); err != nil {
		t.Fatalf("unexpected end-call error: %v", err)
	}
	before := len(c2.types(t))
	h.HandleSignal("p1", "signal_ice", roomID, json.RawMessage(`{}`))
	if got := len(c2.types(t)); got != before {
		t.Error("signal into a destroyed room must be dropped silently")
	}
}

func TestHub_SignalDropsForNonMember(t *testing.T) {
	h := New()
	c1, c2, c3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)
	h.Connect("p3", c3)

	before2 := len(c2.types(t))
	h.HandleSignal("p3", "signal_offer", roomID, json.RawMessage(`{}`))
	if got := len(c2.types(t)); got != before2 {
		t.Error("a non-member's signal must not reach room members")
	}
}

// ---------------------------------------------------------------------------
// Test: Chat and typing relay
// ---------------------------------------------------------------------------

func TestHub_ChatRelay(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

	h.HandleChat("p1", roomID, "hello there")

	m := c2.lastOfType(t, "chat")
	if m == nil {
		t.Fatal("partner did not receive the chat message")
	}
	if m["text"] != "hello there" {
		t.Errorf("expected text %q, got %v", "hello there", m["text"])
	}
}

func TestHub_ChatDropsOversized(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

	before := len(c2.types(t))
	h.HandleChat("p1", roomID, strings.Repeat("x", maxChatBytes+1))
	h.HandleChat("p1", roomID, "")
	if got := len(c2.types(t)); got != before {
		t.Error("oversized and empty chat messages must be dropped")
	}
}

func TestHub_TypingRelay(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

	h.HandleTyping("p2", roomID, true)

	m := c1.lastOfType(t, "typing")
	if m == nil {
		t.Fatal("partner did not receive the typing indicator")
	}
	if m["is_typing"] != true {
		t.Errorf("expected is_typing true, got %v", m["is_typing"])
	}
}

// ---------------------------------------------------------------------------
// Test: Ending a call
// ---------------------------------------------------------------------------

func TestHub_EndCall(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

	if err := h.EndCall(roomID, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m := c2.lastOfType(t, "partner_left"); m == nil {
		t.Error("partner must be notified when the call ends")
	}

	participants, rooms, _ := h.Counts()
	if participants != 2 || rooms != 0 {
		t.Errorf("counts = (%d, %d), want (2, 0)", participants, rooms)
	}

	// Ending the same room again reports it as missing.
	if err := h.EndCall(roomID, "p1"); err != ErrRoomNotFound {
		t.Errorf("expected ErrRoomNotFound on repeat end-call, got %v", err)
	}
}

func TestHub_EndCallRejectsNonMember(t *testing.T) {
	h := New()
	c1, c2, c3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)
	h.Connect("p3", c3)

	if err := h.EndCall(roomID, "p3"); err != ErrRoomNotFound {
		t.Errorf("expected ErrRoomNotFound for non-member, got %v", err)
	}
	if err := h.EndCall("no-such-room", "p1"); err != ErrRoomNotFound {
		t.Errorf("expected ErrRoomNotFound for unknown room, got %v", err)
	}

	// The room must survive both rejected attempts.
	_, rooms, _ := h.Counts()
	if rooms != 1 {
		t.Errorf("expected 1 room, got %d", rooms)
	}
}

func TestHub_RejoinAfterEndCall(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)
	if err := h.EndCall(roomID, "p2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.HandleJoin("p1", []string{"books"})
	if m := c1.lastOfType(t, "waiting"); m == nil {
		t.Fatal("participant must be able to rejoin matchmaking after a call ends")
	}
}

// ---------------------------------------------------------------------------
// Test: Ratings end the call
// ---------------------------------------------------------------------------

func TestHub_RateEndsCall(t *testing.T) {
	for _, value := range []bool{true, false} {
		h := New()
		c1, c2 := &fakeConn{}, &fakeConn{}
		roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

		h.HandleRate("p2", roomID, value)

		// The rated side receives the rating, then the teardown notice.
		rated := c1.lastOfType(t, "rated")
		if rated == nil {
			t.Fatalf("value=%v: rated side did not receive the rating", value)
		}
		if rated["rating"] != value {
			t.Errorf("value=%v: rating payload = %v", value, rated["rating"])
		}
		if c1.lastOfType(t, "partner_left") == nil {
			t.Errorf("value=%v: rated side must also see partner_left", value)
		}
		if c2.lastOfType(t, "partner_left") == nil {
			t.Errorf("value=%v: rater must see partner_left", value)
		}

		types := c1.types(t)
		if types[len(types)-1] != "partner_left" || types[len(types)-2] != "rated" {
			t.Errorf("value=%v: expected rated then partner_left, got %v", value, types)
		}

		_, rooms, _ := h.Counts()
		if rooms != 0 {
			t.Errorf("value=%v: rating must destroy the room, %d left", value, rooms)
		}
	}
}

func TestHub_RateRejectsNonMemberAndUnknownRoom(t *testing.T) {
	h := New()
	c1, c2, c3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)
	h.Connect("p3", c3)

	h.HandleRate("p3", roomID, true)
	h.HandleRate("p1", "no-such-room", true)
	h.HandleRate("p1", "", true)

	_, rooms, _ := h.Counts()
	if rooms != 1 {
		t.Errorf("invalid ratings must not destroy the room, got %d rooms", rooms)
	}
}

// ---------------------------------------------------------------------------
// Test: Disconnect cascade
// ---------------------------------------------------------------------------

func TestHub_DisconnectClearsWaitingEntry(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("p1", c)
	h.HandleJoin("p1", []string{"a"})

	h.Disconnect("p1")

	participants, rooms, waiting := h.Counts()
	if participants != 0 || rooms != 0 || waiting != 0 {
		t.Errorf("counts = (%d, %d, %d), want all zero", participants, rooms, waiting)
	}
}

func TestHub_DisconnectClosesRoom(t *testing.T) {
	h := New()
	c1, c2 := &fakeConn{}, &fakeConn{}
	roomID := pair(t, h, "p1", c1, "p2", c2, nil, nil)

	h.Disconnect("p1")

	if m := c2.lastOfType(t, "partner_left"); m == nil {
		t.Error("surviving member must be notified of the disconnect")
	}
	if err := h.EndCall(roomID, "p2"); err != ErrRoomNotFound {
		t.Errorf("room must be gone after member disconnect, got %v", err)
	}

	participants, rooms, _ := h.Counts()
	if participants != 1 || rooms != 0 {
		t.Errorf("counts = (%d, %d), want (1, 0)", participants, rooms)
	}

	// The survivor is idle again and free to rejoin.
	h.HandleJoin("p2", nil)
	if c2.lastOfType(t, "waiting") == nil {
		t.Error("surviving member must be able to rejoin matchmaking")
	}
}

func TestHub_DisconnectIdempotent(t *testing.T) {
	h := New()
	c := &fakeConn{}
	h.Connect("p1", c)

	h.Disconnect("p1")
	h.Disconnect("p1") // no-op
	h.Disconnect("never-existed")

	participants, _, _ := h.Counts()
	if participants != 0 {
		t.Errorf("expected 0 participants, got %d", participants)
	}
}

// ---------------------------------------------------------------------------
// Test: Matching skips departed waiters
// ---------------------------------------------------------------------------

func TestHub_DepartedWaiterIsNeverMatched(t *testing.T) {
	h := New()
	c1, c2, c3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	h.Connect("p1", c1)
	h.Connect("p2", c2)
	h.Connect("p3", c3)

	h.HandleJoin("p1", []string{"a"})
	h.Disconnect("p1")
	h.HandleJoin("p2", []string{"a"})

	// p1's waiting entry is purged, so p2 waits instead of pairing a ghost.
	if c2.lastOfType(t, "matched") != nil {
		t.Fatal("a departed waiter must never be matched")
	}
	if c2.lastOfType(t, "waiting") == nil {
		t.Fatal("expected p2 to enter the waiting pool")
	}

	h.HandleJoin("p3", []string{"a"})
	m := c3.lastOfType(t, "matched")
	if m == nil || m["partner_id"] != "p2" {
		t.Fatalf("expected p3 matched with p2, got %v", m)
	}
}
