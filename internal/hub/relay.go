package hub

import (
	"context"
	"encoding/json"
	"log"
	"unicode/utf8"

	"github.com/pairlink/signald/internal/metrics"
	"github.com/pairlink/signald/internal/protocol"
	"github.com/pairlink/signald/internal/ratelimit"
)

// Chat relay limits, matching the transport's frame budget.
const (
	maxChatBytes = 4096
	maxChatChars = 2000
)

// HandleSignal forwards an opaque WebRTC signaling payload (offer, answer, or
// ICE candidate) to the sender's room partner under the same message type.
// The payload bytes are passed through verbatim — the relay never parses SDP
// or ICE internals. Events referencing a closed room or a departed partner
// are dropped silently: that race is expected.
func (h *Hub) HandleSignal(participantID, msgType, roomID string, payload json.RawMessage) {
	if roomID == "" || len(payload) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	partnerID := h.rooms.PartnerOf(roomID, participantID)
	if partnerID == "" {
		return
	}
	partner := h.registry.Lookup(partnerID)
	if partner == nil {
		return
	}

	// Marshal directly rather than via the generic map round-trip in
	// protocol.NewServerMessage: RawMessage embeds the payload byte-for-byte.
	data, err := json.Marshal(protocol.ServerSignalMsg{
		Type:    msgType,
		Payload: payload,
	})
	if err != nil {
		log.Printf("hub: marshal %s for participant=%s: %v", msgType, partnerID, err)
		return
	}
	if err := partner.Conn.WriteMessage(data); err != nil {
		log.Printf("hub: relay %s to participant=%s: %v", msgType, partnerID, err)
		return
	}

	metrics.RelayedTotal.WithLabelValues(signalCategory(msgType)).Inc()
}

// HandleChat forwards a chat message to the sender's room partner. Oversized
// or empty messages are dropped before relay.
func (h *Hub) HandleChat(participantID, roomID, text string) {
	if roomID == "" || text == "" {
		return
	}
	if len(text) > maxChatBytes || utf8.RuneCountInString(text) > maxChatChars || !utf8.ValidString(text) {
		log.Printf("hub: dropping oversized/invalid chat from participant=%s", participantID)
		return
	}
	if allowed, _ := h.limiter.Allow(context.Background(), participantID, ratelimit.RuleChat); !allowed {
		h.mu.Lock()
		h.send(participantID, protocol.TypeError, protocol.ErrorMsg{
			Code: "rate_limited", Message: "too many chat messages",
		})
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	partnerID := h.rooms.PartnerOf(roomID, participantID)
	if partnerID == "" {
		return
	}
	h.send(partnerID, protocol.TypeChat, protocol.ServerChatMsg{
		Text: text,
	})
	metrics.RelayedTotal.WithLabelValues("chat").Inc()
}

// HandleTyping forwards a typing indicator to the sender's room partner.
func (h *Hub) HandleTyping(participantID, roomID string, isTyping bool) {
	if roomID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	partnerID := h.rooms.PartnerOf(roomID, participantID)
	if partnerID == "" {
		return
	}
	h.send(partnerID, protocol.TypeTyping, protocol.ServerTypingMsg{
		IsTyping: isTyping,
	})
	metrics.RelayedTotal.WithLabelValues("typing").Inc()
}

func signalCategory(msgType string) string {
	switch msgType {
	case protocol.TypeSignalOffer:
		return "offer"
	case protocol.TypeSignalAnswer:
		return "answer"
	case protocol.TypeSignalICE:
		return "ice"
	default:
		return "unknown"
	}
}
