package dedupe

import "time"

// MemoryOption configures the in-memory deduper.
type MemoryOption func(*memoryDeduper)

// WithMaxSize sets the maximum number of ids to keep in memory.
// If maxSize > 0 the oldest id is evicted first once full.
// If maxSize <= 0 the deduper is unbounded.
func WithMaxSize(maxSize int) MemoryOption {
	return func(d *memoryDeduper) {
		d.maxSize = maxSize
	}
}

// RedisOption configures the redis deduper.
type RedisOption func(*redisDeduper)

// WithKeyPrefix sets the prefix put in front of every response id.
func WithKeyPrefix(prefix string) RedisOption {
	return func(d *redisDeduper) {
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

// WithTTL sets how long a recorded id is remembered.
func WithTTL(ttl time.Duration) RedisOption {
	return func(d *redisDeduper) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}
