package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupPrefix = "certgen:delivered:"

// RedisDeduper records handled message ids with a TTL
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper. The caller owns the client.
func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// Delivered reports whether the message id was marked
func (d *RedisDeduper) Delivered(ctx context.Context, messageID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup exists: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered marks the message id. Marking twice keeps the first mark.
func (d *RedisDeduper) MarkDelivered(ctx context.Context, messageID string) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := d.client.SetNX(ctx, dedupPrefix+messageID, stamp, d.ttl).Err(); err != nil {
		return fmt.Errorf("dedup setnx: %w", err)
	}
	return nil
}
