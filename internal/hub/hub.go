// Package hub coordinates the presence registry, the waiting pool, and the
// room table in response to connect, join, and disconnect events, and relays
// signaling, chat, typing, and rating payloads between the two members of a
// room.
//
// Every inbound event runs to completion under one mutex, so the
// match-then-create-room sequence is a single atomic step: two concurrent
// joins can never both claim the same waiting entry, and a participant can
// never be matched after its registry record is gone.
package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pairlink/signald/internal/matching"
	"github.com/pairlink/signald/internal/messaging"
	"github.com/pairlink/signald/internal/metrics"
	"github.com/pairlink/signald/internal/protocol"
	"github.com/pairlink/signald/internal/ratelimit"
	"github.com/pairlink/signald/internal/rating"
	"github.com/pairlink/signald/internal/registry"
	"github.com/pairlink/signald/internal/room"
)

// ErrRoomNotFound is returned by EndCall when the room does not exist or the
// participant is not one of its members.
var ErrRoomNotFound = errors.New("hub: room not found")

// Triggers recorded on room teardown events.
const (
	triggerEndCall    = "end_call"
	triggerRating     = "rating"
	triggerDisconnect = "disconnect"
)

// Hub owns the shared session state and serializes all mutations of it.
type Hub struct {
	mu       sync.Mutex
	registry *registry.Registry
	queue    *matching.Queue
	rooms    *room.Manager

	events  *messaging.Publisher // optional, nil-safe
	ratings *rating.Store        // optional
	limiter *ratelimit.Limiter   // optional, nil-safe
}

// New creates a Hub with empty registry, waiting pool, and room table.
func New() *Hub {
	return &Hub{
		registry: registry.New(),
		queue:    matching.NewQueue(),
		rooms:    room.NewManager(),
	}
}

// SetEvents attaches a lifecycle event publisher. Pass nil to disable.
func (h *Hub) SetEvents(p *messaging.Publisher) { h.events = p }

// SetRatings attaches a rating persistence store. Pass nil to disable.
func (h *Hub) SetRatings(s *rating.Store) { h.ratings = s }

// SetLimiter attaches a rate limiter. Pass nil to disable.
func (h *Hub) SetLimiter(l *ratelimit.Limiter) { h.limiter = l }

// Connect registers a new participant in idle state. The conn handle is used
// for all event delivery to this participant.
func (h *Hub) Connect(participantID string, conn registry.Conn) {
	h.mu.Lock()
	h.registry.Register(participantID, conn, nil)
	h.syncGauges()
	h.mu.Unlock()

	h.events.Connected(messaging.PresenceEvent{
		ParticipantID: participantID,
		Ts:            time.Now().Unix(),
	})
}

// HandleJoin processes a matchmaking request: it either pairs the requester
// with a waiting participant (creating a room and notifying both sides) or
// adds the requester to the waiting pool.
func (h *Hub) HandleJoin(participantID string, interests []string) {
	if allowed, _ := h.limiter.Allow(context.Background(), participantID, ratelimit.RuleJoin); !allowed {
		h.mu.Lock()
		h.send(participantID, protocol.TypeError, protocol.ErrorMsg{
			Code: "rate_limited", Message: "too many matchmaking requests",
		})
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.registry.Lookup(participantID)
	if p == nil {
		return // connection already gone
	}
	if p.State == registry.StateInRoom {
		// A participant in a call must end it before re-entering matchmaking.
		return
	}
	if interests == nil {
		interests = []string{}
	}
	h.registry.SetInterests(participantID, interests)

	h.send(participantID, protocol.TypeAssignedID, protocol.AssignedIDMsg{
		ParticipantID: participantID,
	})

	entry, common := h.queue.Match(participantID, interests)
	if entry == nil {
		h.queue.Enqueue(participantID, interests)
		h.registry.SetState(participantID, registry.StateWaiting)
		h.send(participantID, protocol.TypeWaiting, protocol.WaitingMsg{})
		h.syncGauges()
		log.Printf("hub: participant=%s waiting interests=%v (pool=%d)",
			participantID, interests, h.queue.Len())
		return
	}

	partner := h.registry.Lookup(entry.ParticipantID)
	if partner == nil {
		// The disconnect cascade purges queue entries, so a matched entry
		// always refers to a registered participant. Fall back to waiting if
		// that ever fails to hold.
		h.queue.Enqueue(participantID, interests)
		h.registry.SetState(participantID, registry.StateWaiting)
		h.send(participantID, protocol.TypeWaiting, protocol.WaitingMsg{})
		h.syncGauges()
		return
	}

	r, err := h.rooms.Create(participantID, entry.ParticipantID)
	if err != nil {
		log.Printf("hub: create room for %s/%s: %v", participantID, entry.ParticipantID, err)
		return
	}
	h.registry.SetState(participantID, registry.StateInRoom)
	h.registry.SetState(entry.ParticipantID, registry.StateInRoom)

	// The side that triggered the match originates the offer.
	h.send(participantID, protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:           r.ID,
		PartnerID:        entry.ParticipantID,
		IsInitiator:      true,
		PartnerInterests: entry.Interests,
		CommonInterests:  common,
	})
	h.send(entry.ParticipantID, protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:           r.ID,
		PartnerID:        participantID,
		IsInitiator:      false,
		PartnerInterests: interests,
		CommonInterests:  common,
	})

	metrics.MatchesTotal.Inc()
	h.syncGauges()
	h.events.MatchMade(messaging.MatchEvent{
		RoomID:          r.ID,
		InitiatorID:     participantID,
		ResponderID:     entry.ParticipantID,
		CommonInterests: common,
		Ts:              time.Now().Unix(),
	})
	log.Printf("hub: matched room=%s initiator=%s responder=%s common=%v",
		r.ID, participantID, entry.ParticipantID, common)
}

// HandleRate processes a partner rating. The rating payload is delivered to
// the rated side, then both sides are notified that the call ended and the
// room is destroyed — regardless of the rating value.
func (h *Hub) HandleRate(participantID, roomID string, value bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if roomID == "" {
		return
	}
	r := h.rooms.Get(roomID)
	if r == nil || !r.IsMember(participantID) {
		return
	}
	partnerID := r.Partner(participantID)

	h.send(partnerID, protocol.TypeRated, protocol.RatedMsg{Rating: value})
	h.send(partnerID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
	h.send(participantID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})

	h.rooms.Destroy(roomID)
	h.registry.SetState(participantID, registry.StateIdle)
	h.registry.SetState(partnerID, registry.StateIdle)

	label := "down"
	if value {
		label = "up"
	}
	metrics.RatingsTotal.WithLabelValues(label).Inc()
	metrics.RelayedTotal.WithLabelValues("rating").Inc()
	h.syncGauges()

	now := time.Now()
	h.events.RatingRecorded(messaging.RatingEvent{
		RoomID:  roomID,
		RaterID: participantID,
		RatedID: partnerID,
		Rating:  value,
		Ts:      now.Unix(),
	})
	h.events.RoomEnded(messaging.RoomEndedEvent{
		RoomID:   roomID,
		EndedBy:  participantID,
		Trigger:  triggerRating,
		Duration: int64(now.Sub(r.CreatedAt).Seconds()),
		Ts:       now.Unix(),
	})

	h.persistRating(&rating.Rating{
		RoomID:       roomID,
		RaterID:      participantID,
		RatedID:      partnerID,
		Rating:       value,
		CallDuration: now.Sub(r.CreatedAt),
	})
	log.Printf("hub: rating room=%s rater=%s value=%v (call ended)", roomID, participantID, value)
}

// EndCall closes a room on behalf of one of its members: the partner is
// notified, then the room is destroyed. It returns ErrRoomNotFound if the
// room does not exist or the participant is not a member.
func (h *Hub) EndCall(roomID, participantID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms.Get(roomID)
	if r == nil || !r.IsMember(participantID) {
		return ErrRoomNotFound
	}
	h.closeRoom(r, participantID, triggerEndCall)
	log.Printf("hub: end-call room=%s by=%s", roomID, participantID)
	return nil
}

// Disconnect runs the full cleanup cascade for a departed participant:
// waiting-pool entry, room membership (with partner notification), and
// finally the registry record. Calling it for an unknown participant is a
// no-op.
func (h *Hub) Disconnect(participantID string) {
	h.mu.Lock()

	p := h.registry.Lookup(participantID)
	if p == nil {
		h.mu.Unlock()
		return
	}

	h.queue.Remove(participantID)
	if r := h.rooms.RoomOf(participantID); r != nil {
		h.closeRoom(r, participantID, triggerDisconnect)
	}
	h.registry.Remove(participantID)
	h.syncGauges()
	h.mu.Unlock()

	h.events.Disconnected(messaging.PresenceEvent{
		ParticipantID: participantID,
		Ts:            time.Now().Unix(),
	})
	log.Printf("hub: participant=%s removed", participantID)
}

// Counts returns a read-only snapshot of registered participants, active
// rooms, and waiting-pool size for the health probe.
func (h *Hub) Counts() (participants, rooms, waiting int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Count(), h.rooms.Count(), h.queue.Len()
}

// closeRoom resolves the partner before destroying the room, notifies it if
// still registered, and resets both members to idle. Caller holds h.mu.
func (h *Hub) closeRoom(r *room.Room, leaverID, trigger string) {
	partnerID := r.Partner(leaverID)
	if h.registry.Lookup(partnerID) != nil {
		h.send(partnerID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{})
	}
	h.rooms.Destroy(r.ID)
	h.registry.SetState(leaverID, registry.StateIdle)
	h.registry.SetState(partnerID, registry.StateIdle)
	h.syncGauges()

	now := time.Now()
	h.events.RoomEnded(messaging.RoomEndedEvent{
		RoomID:   r.ID,
		EndedBy:  leaverID,
		Trigger:  trigger,
		Duration: int64(now.Sub(r.CreatedAt).Seconds()),
		Ts:       now.Unix(),
	})
}

// send builds a server message and writes it to the participant's connection.
// Missing participants and write failures are logged, never surfaced: the
// peer may legitimately be gone already.
func (h *Hub) send(participantID, msgType string, payload interface{}) {
	p := h.registry.Lookup(participantID)
	if p == nil {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("hub: build %s for participant=%s: %v", msgType, participantID, err)
		return
	}
	if err := p.Conn.WriteMessage(data); err != nil {
		log.Printf("hub: send %s to participant=%s: %v", msgType, participantID, err)
	}
}

// persistRating writes the rating to Postgres in the background. Failures are
// logged only; teardown already happened.
func (h *Hub) persistRating(r *rating.Rating) {
	if h.ratings == nil {
		return
	}
	store := h.ratings
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Create(ctx, r); err != nil {
			log.Printf("hub: persist rating room=%s: %v", r.RoomID, err)
		}
	}()
}

// syncGauges refreshes the Prometheus gauges from current state. Caller
// holds h.mu.
func (h *Hub) syncGauges() {
	metrics.Participants.Set(float64(h.registry.Count()))
	metrics.ActiveRooms.Set(float64(h.rooms.Count()))
	metrics.WaitingPool.Set(float64(h.queue.Len()))
}
