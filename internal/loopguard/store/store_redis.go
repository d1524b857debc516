package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for echo-suppression locks
	lockKeyPrefix = "syncbridge:lock:"
)

// extendLockScript sets the lock only when it is absent or would expire
// sooner than the requested TTL, so a shorter re-lock never shortens it.
// KEYS[1] = lock key
// ARGV[1] = ttl in milliseconds
var extendLockScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local current = redis.call("PTTL", KEYS[1])
if current == -1 then
    return 0
end
if current < ttl then
    redis.call("SET", KEYS[1], "1", "PX", ttl)
    return 1
end
return 0
`)

// RedisLockSet shares locks across instances so an inbound write applied by
// one replica suppresses the echo detected by another.
type RedisLockSet struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed lock set.
func NewRedis(client *redis.Client) *RedisLockSet {
	return &RedisLockSet{client: client}
}

// Lock holds id for at least ttl. Re-locking only ever extends the expiry.
func (s *RedisLockSet) Lock(ctx context.Context, id string, ttl time.Duration) error {
	if id == "" {
		return nil
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return nil
	}
	return extendLockScript.Run(ctx, s.client, []string{lockKeyPrefix + id}, ms).Err()
}

func (s *RedisLockSet) IsLocked(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	n, err := s.client.Exists(ctx, lockKeyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisLockSet) Unlock(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.client.Del(ctx, lockKeyPrefix+id).Err()
}
