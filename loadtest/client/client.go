// Package client is a simulated participant for load testing the pairlink
// signaling server. It speaks the same gobwas/ws transport as the server,
// captures the assigned participant ID after joining matchmaking, and keeps
// per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> server message types.
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

// Server -> client message types. Relayed signal, chat, and typing messages
// arrive under the same name as the outbound direction.
const (
	TypeAssignedID  = "assigned_id"
	TypeWaiting     = "waiting"
	TypeMatched     = "matched"
	TypePartnerLeft = "partner_left"
	TypeRated       = "rated"
	TypeError       = "error"
	TypePong        = "pong"
)

// Metrics is a point-in-time copy of one connection's counters.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration // dial start to first server message
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated participant. Incoming messages are dispatched to
// handlers registered with On; the assigned_id message is also captured
// internally so WaitForID works without a handler.
type Client struct {
	conn    net.Conn
	dialedAt time.Time

	mu            sync.Mutex
	participantID string
	metrics       Metrics
	sawFirstMsg   bool

	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New dials the server and starts the read loop. The server assigns a
// participant ID only when the client enters matchmaking, so call Join
// before WaitForID.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		dialedAt:  start,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals and writes one message. Goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Join enters matchmaking with the given interest tags. The server replies
// with assigned_id followed by waiting or matched.
func (c *Client) Join(interests []string) error {
	if interests == nil {
		interests = []string{}
	}
	return c.Send(map[string]interface{}{
		"type":      TypeJoin,
		"interests": interests,
	})
}

// On registers the handler for a server message type, replacing any previous
// one. Handlers run on the read loop goroutine and receive the raw JSON of
// the whole message; they must not block for long.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForID blocks until the server has assigned a participant ID or the
// context ends. Join must have been sent first.
func (c *Client) WaitForID(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before an ID was assigned")
		case <-ticker.C:
			if c.ParticipantID() != "" {
				return nil
			}
		}
	}
}

// Close shuts the connection down and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ParticipantID returns the server-assigned ID, or "" before matchmaking.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// GetMetrics returns a copy of the connection's counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readLoop reads text frames until the connection dies, dispatching each to
// its registered handler.
func (c *Client) readLoop() {
	for !c.closed() {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			// A read error after Close is the close itself, not a failure.
			if !c.closed() {
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	c.mu.Lock()
	c.metrics.MessagesReceived++
	if !c.sawFirstMsg {
		c.sawFirstMsg = true
		c.metrics.FirstMsgLatency = time.Since(c.dialedAt)
	}
	c.mu.Unlock()

	var envelope struct {
		Type          string `json:"type"`
		ParticipantID string `json:"participant_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	c.mu.Lock()
	if envelope.Type == TypeAssignedID && envelope.ParticipantID != "" {
		c.participantID = envelope.ParticipantID
	}
	handler := c.handlers[envelope.Type]
	c.mu.Unlock()

	if handler != nil {
		handler(json.RawMessage(data))
	}
}
