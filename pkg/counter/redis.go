package counter

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// reserveScript increments the bucket and rolls back when the increment
// would exceed the limit, so concurrent workers never overshoot.
var reserveScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 and tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
	return 0
end
return 1
`)

// RedisService is a redis-backed counter store shared by all workers.
type RedisService struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisService(client redis.UniversalClient, prefix string) *RedisService {
	if prefix == "" {
		prefix = "journey:counter"
	}

	return &RedisService{client: client, prefix: prefix}
}

// NewRedisServiceFromURL connects a client from a redis:// URL.
func NewRedisServiceFromURL(url, prefix string) (*RedisService, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return NewRedisService(redis.NewClient(opts), prefix), nil
}

func (s *RedisService) Reserve(ctx context.Context, key string, bucket time.Time, ttl time.Duration, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	storageKey := s.prefix + ":" + BucketKey(key, bucket)

	granted, err := reserveScript.Run(ctx, s.client, []string{storageKey}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reserve counter %s: %w", storageKey, err)
	}

	return granted == 1, nil
}
