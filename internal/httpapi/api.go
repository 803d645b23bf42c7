// Package httpapi implements the short-lived request/response boundary of the
// service: the end-call operation, the health probe, and the rating summary.
// All are served from the same listener as the WebSocket endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/pairlink/signald/internal/hub"
)

// RatingSummarizer aggregates stored call ratings over a time window.
// Satisfied by *rating.Store.
type RatingSummarizer interface {
	Summary(ctx context.Context, window time.Duration) (up int, down int, err error)
}

// EndCallRequest is the JSON body of POST /api/end-call.
type EndCallRequest struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"userId"`
}

// Handler serves the REST endpoints against the hub.
type Handler struct {
	hub     *hub.Hub
	ratings RatingSummarizer
}

// NewHandler creates a Handler bound to the given hub.
func NewHandler(h *hub.Hub) *Handler {
	return &Handler{hub: h}
}

// SetRatings enables the rating summary endpoint. Without it the endpoint
// reports 404, matching deployments that run without PostgreSQL.
func (h *Handler) SetRatings(r RatingSummarizer) {
	h.ratings = r
}

// EndCall closes a room on behalf of one of its members.
//
//	400 — missing roomId or userId
//	404 — room does not exist or the participant is not a member
//	200 — room closed, partner notified
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req EndCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RoomID == "" || req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "missing roomId or userId")
		return
	}

	if err := h.hub.EndCall(req.RoomID, req.ParticipantID); err != nil {
		if errors.Is(err, hub.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		log.Printf("httpapi: end-call room=%s: %v", req.RoomID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Health reports current counts of registered participants, active rooms, and
// waiting participants. Read-only, no side effects.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	participants, rooms, waiting := h.hub.Counts()
	writeJSON(w, http.StatusOK, struct {
		Status       string `json:"status"`
		Participants int    `json:"users"`
		Rooms        int    `json:"rooms"`
		Waiting      int    `json:"waitingUsers"`
	}{
		Status:       "ok",
		Participants: participants,
		Rooms:        rooms,
		Waiting:      waiting,
	})
}

// RatingSummary reports thumbs-up and thumbs-down counts over a window
// given by the optional ?window= query parameter (Go duration syntax,
// default 24h).
//
//	400 — unparseable or non-positive window
//	404 — rating persistence not configured
//	200 — {"up": N, "down": N, "window": "24h0m0s"}
func (h *Handler) RatingSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.ratings == nil {
		writeError(w, http.StatusNotFound, "ratings not configured")
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	up, down, err := h.ratings.Summary(r.Context(), window)
	if err != nil {
		log.Printf("httpapi: rating summary: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Up     int    `json:"up"`
		Down   int    `json:"down"`
		Window string `json:"window"`
	}{Up: up, Down: down, Window: window.String()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
