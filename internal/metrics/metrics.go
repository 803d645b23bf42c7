// Package metrics provides Prometheus instrumentation for the signaling
// server. It exposes gauges for participant, waiting-pool, and room counts,
// and counters for matches, relayed payloads, and ratings.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairlink_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// Participants tracks the current number of registered participants.
	Participants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairlink_participants",
		Help: "Current number of registered participants",
	})

	// WaitingPool tracks the current number of participants waiting for a partner.
	WaitingPool = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairlink_waiting_pool_size",
		Help: "Current number of participants in the waiting pool",
	})

	// ActiveRooms tracks the current number of live two-party rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairlink_active_rooms",
		Help: "Current number of active rooms",
	})

	// MatchesTotal counts successful matches since process start.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairlink_matches_total",
		Help: "Total number of successful matches",
	})

	// RelayedTotal counts relayed payloads, labeled by category: "offer",
	// "answer", "ice", "chat", "typing", "rating".
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairlink_relayed_total",
		Help: "Total number of payloads relayed between room members",
	}, []string{"category"})

	// RatingsTotal counts rating events, labeled by value ("up" or "down").
	RatingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairlink_ratings_total",
		Help: "Total number of partner ratings received",
	}, []string{"value"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		Participants,
		WaitingPool,
		ActiveRooms,
		MatchesTotal,
		RelayedTotal,
		RatingsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
