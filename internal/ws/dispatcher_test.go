package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/pairlink/signald/internal/protocol"
)

// readReply reads one server frame from the peer end and decodes its
// envelope fields.
func readReply(t *testing.T, peer net.Conn) map[string]interface{} {
	t.Helper()
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(peer)
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("reply is not valid JSON: %v", err)
	}
	return m
}

func TestDispatch_UnknownTypeGetsErrorReply(t *testing.T) {
	d := NewMessageDispatcher()
	c, peer := newPipeConnection(t, time.Second)

	go d.Dispatch(c, []byte(`{"type":"bogus"}`))

	reply := readReply(t, peer)
	if reply["type"] != protocol.TypeError {
		t.Fatalf("reply type = %v, want %q", reply["type"], protocol.TypeError)
	}
	if reply["code"] != "unsupported_type" {
		t.Errorf("reply code = %v, want unsupported_type", reply["code"])
	}
}

func TestDispatch_UndecodableEnvelopeGetsErrorReply(t *testing.T) {
	d := NewMessageDispatcher()
	c, peer := newPipeConnection(t, time.Second)

	go d.Dispatch(c, []byte(`{not json`))

	reply := readReply(t, peer)
	if reply["code"] != "parse_error" {
		t.Errorf("reply code = %v, want parse_error", reply["code"])
	}
}

// A known message type whose payload fields fail to decode is dropped: no
// handler call, no reply.
func TestDispatch_MalformedPayloadDroppedSilently(t *testing.T) {
	d := NewMessageDispatcher()
	c, peer := newPipeConnection(t, time.Second)

	handled := false
	d.Register(protocol.TypeSignalOffer, func(conn *Connection, msg interface{}) {
		handled = true
	})

	// room_id must be a string.
	d.Dispatch(c, []byte(`{"type":"signal_offer","room_id":123}`))

	if handled {
		t.Error("handler ran for a malformed payload")
	}

	_ = peer.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := peer.Read(buf); err == nil {
		t.Error("expected no reply for a malformed payload, got a frame")
	} else if nerr, ok := err.(net.Error); !ok || !nerr.Timeout() {
		t.Errorf("expected a read timeout, got %v", err)
	}
}

func TestDispatch_PingAnsweredWithPong(t *testing.T) {
	d := NewMessageDispatcher()
	c, peer := newPipeConnection(t, time.Second)

	before := c.LastPing
	go d.Dispatch(c, []byte(`{"type":"ping"}`))

	reply := readReply(t, peer)
	if reply["type"] != protocol.TypePong {
		t.Errorf("reply type = %v, want %q", reply["type"], protocol.TypePong)
	}
	if !c.LastPing.After(before) {
		t.Error("ping did not refresh LastPing")
	}
}
