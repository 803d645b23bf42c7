// Package ratelimit throttles per-identity actions (connect, join, chat)
// against Redis using fixed INCR + EXPIRE windows.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy: a key prefix to namespace the counters, and
// the number of actions allowed per window.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleJoin allows 10 matchmaking requests per minute per participant.
	RuleJoin = Rule{Key: "rl:join:", Limit: 10, Window: 1 * time.Minute}

	// RuleChat allows 20 chat messages per 10 seconds per participant.
	RuleChat = Rule{Key: "rl:chat:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// Limiter checks rules against Redis. A nil *Limiter allows everything, so
// the server runs unchanged when Redis is not configured. Redis errors also
// allow the action: an outage must not lock out legitimate traffic.
type Limiter struct {
	rdb *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow counts one action for the identifier under the rule and reports
// whether it stays within the limit. The first increment in a window stamps
// the key's TTL, which defines the window boundary.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l == nil {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		logFailOpen("INCR", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.rdb.Expire(ctx, key, rule.Window).Err(); err != nil {
			logFailOpen("EXPIRE", key, err)
			// Without a TTL the counter never resets and would lock the
			// identifier out permanently. Drop it and start over.
			l.rdb.Del(ctx, key)
			return true, err
		}
	}

	return count <= int64(rule.Limit), nil
}

// Remaining reports how many actions the identifier has left in the current
// window. A missing key, or any Redis error, yields the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	if l == nil {
		return rule.Limit, nil
	}
	key := rule.Key + identifier

	count, err := l.rdb.Get(ctx, key).Int()
	switch {
	case err == redis.Nil:
		return rule.Limit, nil
	case err != nil:
		logFailOpen("GET", key, err)
		return rule.Limit, err
	}

	if count >= rule.Limit {
		return 0, nil
	}
	return rule.Limit - count, nil
}

func logFailOpen(op, key string, err error) {
	log.Printf("ratelimit: redis %s error key=%s: %v (failing open)", op, key, err)
}
