package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// CachedDirectory is a read-through Redis cache in front of another
// Directory. Availability is allowed to be a few seconds stale; cache errors
// fall through to the primary.
type CachedDirectory struct {
	primary Directory
	client  *redis.Client
	ttl     time.Duration
	log     *zap.SugaredLogger
}

func NewCachedDirectory(primary Directory, client *redis.Client, ttl time.Duration, log *zap.SugaredLogger) *CachedDirectory {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CachedDirectory{primary: primary, client: client, ttl: ttl, log: log}
}

func providerKey(id uuid.UUID) string     { return "provider:" + id.String() }
func availabilityKey(id uuid.UUID) string { return "provider:" + id.String() + ":availability" }

func (d *CachedDirectory) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	if d.get(ctx, providerKey(id), &p) {
		return &p, nil
	}

	got, err := d.primary.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	d.set(ctx, providerKey(id), got)
	return got, nil
}

func (d *CachedDirectory) GetAvailability(ctx context.Context, providerID uuid.UUID) ([]schedule.Window, error) {
	var windows []schedule.Window
	if d.get(ctx, availabilityKey(providerID), &windows) {
		return windows, nil
	}

	got, err := d.primary.GetAvailability(ctx, providerID)
	if err != nil {
		return nil, err
	}
	d.set(ctx, availabilityKey(providerID), got)
	return got, nil
}

// Invalidate drops cached data for a provider. Provider records and weekly
// windows are owned by the provider-management system outside this service;
// it calls Invalidate after editing them so new hours apply before the cache
// TTL runs out.
func (d *CachedDirectory) Invalidate(ctx context.Context, providerID uuid.UUID) error {
	return d.client.Del(ctx, providerKey(providerID), availabilityKey(providerID)).Err()
}

func (d *CachedDirectory) get(ctx context.Context, key string, dst any) bool {
	cached, err := d.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			d.log.Warnw("provider cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(cached, dst); err != nil {
		d.log.Warnw("provider cache entry unreadable", "key", key, "error", err)
		return false
	}
	return true
}

func (d *CachedDirectory) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.client.Set(ctx, key, data, d.ttl).Err(); err != nil {
		d.log.Warnw("provider cache write failed", "key", key, "error", err)
	}
}
