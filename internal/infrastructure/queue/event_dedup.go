package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cmis-platform-sync/internal/ports"
)

// dedupTTL keeps event ids long enough to cover typical platform redelivery
// windows. The idempotent upsert remains the correctness mechanism; this only
// saves redundant writes.
const dedupTTL = 24 * time.Hour

// RedisEventDedup remembers webhook event ids in Redis.
type RedisEventDedup struct {
	client *redis.Client
}

// NewRedisEventDedup creates the dedup cache.
func NewRedisEventDedup(client *redis.Client) *RedisEventDedup {
	return &RedisEventDedup{client: client}
}

var _ ports.EventDedup = (*RedisEventDedup)(nil)

// Seen marks the event id and reports whether it had been seen before.
func (d *RedisEventDedup) Seen(ctx context.Context, platform, eventID string) (bool, error) {
	key := fmt.Sprintf("webhook:dedup:%s:%s", platform, eventID)
	set, err := d.client.SetNX(ctx, key, 1, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event dedup: %w", err)
	}
	return !set, nil
}
