package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript counts a request unless the window is already full. The first
// increment sets the window's expiry, so a window lives exactly ARGV[2] ms.
var hitScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

type RedisStore struct {
	client redis.Scripter
	prefix string
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

func (s *RedisStore) key(identifier, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, endpoint, identifier)
}

// Hit ignores now: window expiry is tracked by the key's TTL.
func (s *RedisStore) Hit(ctx context.Context, identifier, endpoint string, rule Rule, _ time.Time) (bool, error) {
	res, err := hitScript.Run(ctx, s.client, []string{s.key(identifier, endpoint)}, rule.Max, rule.Window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis hit: %w", err)
	}
	return res == 1, nil
}
