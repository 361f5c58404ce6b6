package quota

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store. The check-and-increment runs as a
// single Lua script so the invariant holds across multiple relay instances
// sharing one Redis.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "chatrelay:quota:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "chatrelay:quota:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// consumeScript atomically performs the check-and-increment.
// KEYS[1] = counter key
// ARGV[1] = max
// Returns 1 if the request was accepted, 0 if the quota is exhausted.
var consumeScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
    redis.call("SET", KEYS[1], 1)
    return 1
end
if tonumber(current) < tonumber(ARGV[1]) then
    redis.call("INCR", KEYS[1])
    return 1
end
return 0
`)

// refundScript decrements the counter without going below zero.
var refundScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current > 0 then
    redis.call("DECR", KEYS[1])
end
return current
`)

func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, max int64) (bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.keyPrefix + key}, max).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Refund(ctx context.Context, key string) error {
	return refundScript.Run(ctx, s.client, []string{s.keyPrefix + key}).Err()
}

func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	return val, err
}
