package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupCache is a TTL-bound duplicate check for webhook event IDs. It only
// short-circuits obvious redeliveries; the durable event store remains the
// source of truth when the cache is cold or unavailable.
type DedupCache struct {
	client redis.UniversalClient
	prefix string
}

// NewDedupCache creates a dedup cache over the client.
func NewDedupCache(client redis.UniversalClient) *DedupCache {
	return &DedupCache{client: client, prefix: "webhook:seen:"}
}

// Seen reports whether the event ID was marked within its TTL.
func (c *DedupCache) Seen(ctx context.Context, externalEventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+externalEventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records the event ID for ttl.
func (c *DedupCache) MarkSeen(ctx context.Context, externalEventID string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+externalEventID, "1", ttl).Err()
}
