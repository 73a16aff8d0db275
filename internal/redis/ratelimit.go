package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FixedWindowLimiter counts hits per key in fixed windows.
type FixedWindowLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewFixedWindowLimiter(client *redis.Client, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{client: client, limit: int64(limit), window: window}
}

// hitScript counts a hit and starts the window on the first one in a single
// round trip, so a counter is never left without an expiry.
var hitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// Allow records a hit for key and reports whether it is within the limit.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	current, err := hitScript.Run(ctx, l.client, []string{rateLimitKey(key)}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	return current <= l.limit, nil
}

func rateLimitKey(key string) string { return "rate_limit:" + key }
