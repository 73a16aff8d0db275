package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("provider day lock not acquired")
)

// Locker serializes booking commits for one provider on one calendar date
// across every api-server instance.
type Locker interface {
	WithProviderDayLock(ctx context.Context, providerID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error
}

type redisProviderDayLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisProviderDayLocker creates a locker backed by one Redis key per
// provider and date. Acquisition is retried for up to wait before giving up
// with ErrLockNotAcquired.
func NewRedisProviderDayLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisProviderDayLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		retry:  25 * time.Millisecond,
	}
}

func ProviderDayKey(providerID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("lock:provider:%s:%s", providerID.String(), day.Format(time.DateOnly))
}

func (l *redisProviderDayLocker) WithProviderDayLock(ctx context.Context, providerID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error {
	key := ProviderDayKey(providerID, day)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	// Release on a fresh context so a cancelled caller still frees the key.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release(releaseCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisProviderDayLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire provider day lock: %w", err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrLockNotAcquired
		case <-timer.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisProviderDayLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release provider day lock: %w", err)
	}
	return nil
}
