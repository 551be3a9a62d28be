// Package ratelimit implements a fixed-window request limiter on Redis
// INCR/EXPIRE. A nil client or a Redis failure lets requests through.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
}

// Decision describes the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func New(client *redis.Client, max int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		client: client,
		max:    max,
		window: window,
		prefix: "rl:" + strconv.FormatInt(int64(window.Seconds()), 10) + ":",
	}
}

// Allow counts one hit for ident in the current window. When Redis errors the
// decision allows the request and the error is returned for logging.
func (l *Limiter) Allow(ctx context.Context, ident string) (Decision, error) {
	if l == nil || l.client == nil || l.max <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := l.prefix + ident
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("incr rate limit: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("expire rate limit: %w", err)
		}
	}

	if count > int64(l.max) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: l.max - int(count)}, nil
}
