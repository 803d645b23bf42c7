package ws

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// newPipeConnection returns a Connection backed by one end of an in-memory
// pipe plus the peer end. The pipe is unbuffered, so a write only completes
// when the peer is actively reading.
func newPipeConnection(t *testing.T, timeout time.Duration) (*Connection, net.Conn) {
	t.Helper()
	srv, peer := net.Pipe()
	t.Cleanup(func() {
		srv.Close()
		peer.Close()
	})
	now := time.Now()
	c := &Connection{
		ID:           "conn-under-test",
		Conn:         srv,
		CreatedAt:    now,
		LastPing:     now,
		WriteTimeout: timeout,
	}
	return c, peer
}

func assertTimeout(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected write to a stalled peer to fail")
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestWriteMessage_StalledPeerTimesOut(t *testing.T) {
	c, _ := newPipeConnection(t, 50*time.Millisecond)

	start := time.Now()
	err := c.WriteMessage([]byte(`{"type":"matched"}`))
	assertTimeout(t, err)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("write blocked for %s before timing out", elapsed)
	}
}

func TestWritePing_StalledPeerTimesOut(t *testing.T) {
	c, _ := newPipeConnection(t, 50*time.Millisecond)
	assertTimeout(t, c.WritePing())
}

func TestWriteMessage_DeliversToActivePeer(t *testing.T) {
	c, peer := newPipeConnection(t, time.Second)

	got := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		data, err := wsutil.ReadServerText(peer)
		if err != nil {
			readErr <- err
			return
		}
		got <- data
	}()

	want := []byte(`{"type":"pong"}`)
	if err := c.WriteMessage(want); err != nil {
		t.Fatalf("write with a reading peer failed: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != string(want) {
			t.Errorf("peer read %q, want %q", data, want)
		}
	case err := <-readErr:
		t.Fatalf("peer read failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("peer never received the frame")
	}
}

func TestWriteMessage_NoTimeoutConfigured(t *testing.T) {
	c, peer := newPipeConnection(t, 0)

	go func() {
		_, _ = wsutil.ReadServerText(peer)
	}()
	if err := c.WriteMessage([]byte("hello")); err != nil {
		t.Fatalf("write without a timeout failed: %v", err)
	}
}
