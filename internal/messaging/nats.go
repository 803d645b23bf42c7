// Package messaging publishes session lifecycle events to NATS so
// out-of-process observers (analytics, abuse tooling, dashboards) can follow
// presence, matching, and call outcomes without touching the signaling path.
// The publisher is optional: a nil *Publisher is safe to call and does nothing.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for lifecycle events.
const (
	SubjectConnected    = "pairlink.presence.connected"
	SubjectDisconnected = "pairlink.presence.disconnected"
	SubjectMatchMade    = "pairlink.match.made"
	SubjectRoomEnded    = "pairlink.room.ended"
	SubjectRating       = "pairlink.rating.recorded"
)

// MatchEvent is published when two participants are paired into a room.
type MatchEvent struct {
	RoomID          string   `json:"room_id"`
	InitiatorID     string   `json:"initiator_id"`
	ResponderID     string   `json:"responder_id"`
	CommonInterests []string `json:"common_interests"`
	Ts              int64    `json:"ts"`
}

// RoomEndedEvent is published when a room is destroyed, with the trigger that
// closed it: "end_call", "rating", or "disconnect".
type RoomEndedEvent struct {
	RoomID   string `json:"room_id"`
	EndedBy  string `json:"ended_by"`
	Trigger  string `json:"trigger"`
	Duration int64  `json:"duration_seconds"`
	Ts       int64  `json:"ts"`
}

// PresenceEvent is published on participant connect and disconnect.
type PresenceEvent struct {
	ParticipantID string `json:"participant_id"`
	Ts            int64  `json:"ts"`
}

// RatingEvent is published when a participant rates its partner.
type RatingEvent struct {
	RoomID  string `json:"room_id"`
	RaterID string `json:"rater_id"`
	RatedID string `json:"rated_id"`
	Rating  bool   `json:"rating"`
	Ts      int64  `json:"ts"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "pairlink-signald",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Publisher wraps the NATS connection with JSON publish helpers for the
// lifecycle subjects.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS with the given config and returns a ready
// publisher. It returns an error if the initial connection fails.
func NewPublisher(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// publish marshals the event to JSON and publishes it. Publish failures are
// logged and swallowed: lifecycle events are best-effort and must never
// affect the signaling path.
func (p *Publisher) publish(subject string, event interface{}) {
	if p == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// Connected publishes a presence event for a new participant.
func (p *Publisher) Connected(event PresenceEvent) {
	p.publish(SubjectConnected, event)
}

// Disconnected publishes a presence event for a departed participant.
func (p *Publisher) Disconnected(event PresenceEvent) {
	p.publish(SubjectDisconnected, event)
}

// MatchMade publishes a match event for a newly created room.
func (p *Publisher) MatchMade(event MatchEvent) {
	p.publish(SubjectMatchMade, event)
}

// RoomEnded publishes a room teardown event.
func (p *Publisher) RoomEnded(event RoomEndedEvent) {
	p.publish(SubjectRoomEnded, event)
}

// RatingRecorded publishes a rating event.
func (p *Publisher) RatingRecorded(event RatingEvent) {
	p.publish(SubjectRating, event)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
