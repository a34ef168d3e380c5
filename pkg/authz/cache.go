package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// SnapshotCache stores computed permission snapshots in Redis. A miss is
// (nil, nil); the caller falls through to the membership source. The
// cache is advisory: the resolver corrects stale entries with a live
// grant overlay, and only the refresher writes here.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a cache around an existing Redis client
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(actorID string, tenantID *string) string {
	tenant := "-"
	if tenantID != nil {
		tenant = *tenantID
	}
	return fmt.Sprintf("authz:snap:%s:%s", actorID, tenant)
}

// Get returns the cached snapshot for an actor and tenant, or nil on miss
func (c *SnapshotCache) Get(ctx context.Context, actorID string, tenantID *string) (*Snapshot, error) {
	key := snapshotKey(actorID, tenantID)
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from cache: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		// Corrupt entry: drop it so the next refresh writes a clean one.
		c.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}

	return &snap, nil
}

// Set stores a snapshot with the configured TTL
func (c *SnapshotCache) Set(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := snapshotKey(snap.ActorID, snap.TenantID)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// Invalidate removes the cached snapshot for an actor and tenant
func (c *SnapshotCache) Invalidate(ctx context.Context, actorID string, tenantID *string) error {
	if err := c.client.Del(ctx, snapshotKey(actorID, tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate snapshot: %w", err)
	}
	return nil
}

// Ping verifies connectivity to Redis
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis connection
func (c *SnapshotCache) Close() error {
	return c.client.Close()
}
