package dedupe

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis deduper defaults.
const (
	DefaultKeyPrefix = "irt:response:"
	DefaultTTL       = 7 * 24 * time.Hour
)

// redisDeduper shares seen ids across replicas with SET NX and an expiry.
type redisDeduper struct {
	rdb    goredis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper returns a Deduper backed by rdb.
func NewRedisDeduper(rdb goredis.Cmdable, opts ...RedisOption) Deduper {
	d := &redisDeduper{rdb: rdb, prefix: DefaultKeyPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *redisDeduper) SeenAndRecord(ctx context.Context, id string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", id, err)
	}
	return !set, nil
}

func (d *redisDeduper) Unrecord(ctx context.Context, id string) error {
	if err := d.rdb.Del(ctx, d.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}
