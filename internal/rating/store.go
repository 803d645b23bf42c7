// Package rating provides PostgreSQL-backed storage for call ratings. Each
// rating captures who rated whom, the room context, the rating value, and the
// call duration, for offline match-quality analysis. Core call teardown never
// depends on this store: a rating ends the call whether or not persistence is
// configured.
package rating

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store manages call ratings in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Rating represents a single call rating to be persisted.
type Rating struct {
	RoomID       string
	RaterID      string
	RatedID      string
	Rating       bool
	CallDuration time.Duration
}

// NewStore creates a new rating store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a call rating into PostgreSQL.
func (s *Store) Create(ctx context.Context, r *Rating) error {
	const query = `
		INSERT INTO call_ratings (room_id, rater_id, rated_id, rating, call_duration_seconds)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		r.RoomID,
		r.RaterID,
		r.RatedID,
		r.Rating,
		int64(r.CallDuration.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("rating: insert: %w", err)
	}
	return nil
}

// Summary returns the number of positive and negative ratings recorded within
// the given time window.
func (s *Store) Summary(ctx context.Context, window time.Duration) (up int, down int, err error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE rating),
			COUNT(*) FILTER (WHERE NOT rating)
		FROM call_ratings
		WHERE created_at >= NOW() - make_interval(secs => $1)`

	err = s.db.QueryRowContext(ctx, query, window.Seconds()).Scan(&up, &down)
	if err != nil {
		return 0, 0, fmt.Errorf("rating: summary: %w", err)
	}
	return up, down, nil
}
