// Package ratelimit caps how fast a single user may drive the chat endpoint.
// The counters live in Redis so every API replica shares one fixed window per
// user; when Redis is unreachable the limiter fails closed rather than let a
// runaway client burn through completion credits.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces the counters when no prefix is configured.
const DefaultPrefix = "openbooklm:ratelimit"

const redisTimeout = 2 * time.Second

// windowScript counts a hit and arms the window expiry on the first one, as a
// single atomic step.
var windowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Config describes one shared fixed-window limit.
type Config struct {
	Addr     string
	Password string
	// Prefix namespaces the Redis counters. Defaults to DefaultPrefix.
	Prefix string
	// Limit is the number of requests allowed per Window per user.
	Limit  int
	Window time.Duration
}

// Limiter is a Redis-backed fixed-window rate limiter keyed by user.
type Limiter struct {
	limit  int
	window time.Duration
	prefix string
	client *redis.Client
}

// New connects the limiter to Redis.
func New(cfg Config) (*Limiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Limiter{
		limit:  cfg.Limit,
		window: cfg.Window,
		prefix: prefix,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
	}, nil
}

// AllowUser reports whether the user still has headroom in the current
// window. A nil limiter and any Redis failure both refuse.
func (l *Limiter) AllowUser(userID string) bool {
	if l == nil {
		return false
	}
	slot := time.Now().UTC().UnixMilli() / l.window.Milliseconds()
	key := l.userKey(userID, slot)
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	count, err := windowScript.Run(ctx, l.client, []string{key}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false
	}
	return count <= int64(l.limit)
}

func (l *Limiter) userKey(userID string, slot int64) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("%s:user:%s:%d", l.prefix, userID, slot)
}
