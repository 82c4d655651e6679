// Package ratelimit implements the escalation rate limiter (A6): a
// Redis-backed fixed one-hour window bounding how many human-escalation events
// C6 may emit per channel per hour (default 5/hr, per spec.md §4.6's
// escalationRateLimit).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter guards one escalation channel's event rate using a fixed
// one-hour Redis counter keyed by channel and the current hour bucket.
type Limiter struct {
	client *redis.Client
	limit  int
}

// New builds a Limiter against an already-configured Redis client,
// allowing up to limit escalations per channel per clock hour.
func New(client *redis.Client, limit int) *Limiter {
	if limit <= 0 {
		limit = 5
	}
	return &Limiter{client: client, limit: limit}
}

func bucketKey(channel string, now time.Time) string {
	return fmt.Sprintf("council:escalation:%s:%d", channel, now.Truncate(time.Hour).Unix())
}

// Allow increments channel's current-hour counter and reports whether
// the event is still within the configured rate; on any Redis failure
// it fails open (returns true) so a broker outage never blocks a
// legitimate escalation.
func (l *Limiter) Allow(ctx context.Context, channel string) bool {
	if l.client == nil {
		return true
	}
	key := bucketKey(channel, time.Now())

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		l.client.Expire(ctx, key, time.Hour)
	}
	return count <= int64(l.limit)
}
