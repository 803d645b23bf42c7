package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// startTestServer wires a Server to a real listener with the poll loop
// running, without going through Start (which binds a fixed address and
// blocks).
func startTestServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	poller, err := NewPoller()
	if err != nil {
		t.Fatalf("failed to create poller: %v", err)
	}
	s.poller = poller

	ts := httptest.NewServer(http.HandlerFunc(s.handleUpgrade))

	go s.pollLoop()
	t.Cleanup(func() {
		ts.Close()
		close(s.done)
		for _, c := range s.conns.All() {
			c.Close()
		}
		_ = poller.Close()
	})
	return ts
}

// A frame sent the instant the upgrade completes must still reach the
// message callback, and only after the connect callback has finished
// registering the participant.
func TestUpgrade_ConnectCallbackRunsBeforeFirstMessage(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(ev string) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	cfg := DefaultServerConfig()
	s := NewServer(cfg, func(conn *Connection, data []byte) {
		record("message")
	})
	s.SetOnConnect(func(conn *Connection) {
		record("connect")
		// Hold the registration open so an early frame has every chance to
		// overtake it.
		time.Sleep(100 * time.Millisecond)
	})

	ts := startTestServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws"
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Fire immediately, while the connect callback is still sleeping.
	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), events...)
		mu.Unlock()
		if len(got) >= 2 {
			if got[0] != "connect" {
				t.Fatalf("events = %v, want connect first", got)
			}
			if got[1] != "message" {
				t.Fatalf("events = %v, want the early frame delivered after connect", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events, got %v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpgrade_MaxConnectionsRejected(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 0
	s := NewServer(cfg, nil)

	ts := startTestServer(t, s)

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when full, got %d", resp.StatusCode)
	}
}
