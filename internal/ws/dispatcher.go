package ws

import (
	"errors"
	"log"
	"time"

	"github.com/pairlink/signald/internal/protocol"
)

// MessageHandler receives the concrete struct produced by
// protocol.ParseClientMessage for its registered type (protocol.JoinMsg,
// protocol.SignalMsg, and so on).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes parsed client messages to handlers by type.
// Ping/pong keepalive is answered here without registration. Unknown types
// and undecodable envelopes get a structured error reply; a known type with
// bad payload fields is dropped silently.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register binds a handler to a message type, replacing any previous binding.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses raw frame bytes and routes the result. A panic inside a
// handler is recovered and logged so one bad event cannot take down the
// process; the connection keeps being served.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: panic handling message from connection=%s: %v", conn.ID, r)
		}
	}()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			log.Printf("ws: unsupported message type=%q connection=%s", msgType, conn.ID)
			d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
				Code:    "unsupported_type",
				Message: "unsupported message type",
			})
		case msgType != "":
			// Known type, bad payload. Dropped without a reply so a client
			// cannot fish for field validation on the persistent protocol.
			log.Printf("ws: dropping malformed %q payload connection=%s: %v", msgType, conn.ID, err)
		default:
			log.Printf("ws: dispatch parse error connection=%s: %v", conn.ID, err)
			d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
				Code:    "parse_error",
				Message: "invalid message format",
			})
		}
		return
	}

	if msgType == protocol.TypePing {
		// Application-level keepalive counts as read activity.
		conn.LastPing = time.Now()
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q connection=%s", msgType, conn.ID)
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    "unsupported_type",
			Message: "unsupported message type",
		})
		return
	}

	handler(conn, msg)
}

// reply sends a server message straight back on the connection. Failures are
// logged, not propagated; the read path decides when a connection dies.
func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message connection=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s message connection=%s: %v", msgType, conn.ID, err)
	}
}
