package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper remembers webhook event ids that were already applied. It is a
// fast path only; guarded store updates keep replays correct without it.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// RedisEventDeduper keeps processed event ids in Redis with a TTL.
type RedisEventDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisEventDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisEventDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "booking:webhook"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}

	return &RedisEventDeduper{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (r *RedisEventDeduper) key(eventID string) string {
	return fmt.Sprintf("%s:event:%s", r.prefix, eventID)
}

func (r *RedisEventDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if r == nil || r.client == nil || strings.TrimSpace(eventID) == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisEventDeduper) Remember(ctx context.Context, eventID string) error {
	if r == nil || r.client == nil || strings.TrimSpace(eventID) == "" {
		return nil
	}
	return r.client.SetNX(ctx, r.key(eventID), time.Now().UTC().Format(time.RFC3339), r.ttl).Err()
}
