package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/paygate/internal/domain/service"
)

var _ service.AtomicStore = (*AtomicStore)(nil)

// casScript swaps the value only when it still equals ARGV[1].
// KEYS[1]=key, ARGV[1]=old, ARGV[2]=new, ARGV[3]=ttl in ms (0 keeps no expiry).
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// AtomicStore implements service.AtomicStore on Redis: SETNX, GETDEL and a CAS script.
type AtomicStore struct {
	client redis.UniversalClient
	prefix string
}

// NewAtomicStore creates a store whose keys live under "paygate:<namespace>:".
func NewAtomicStore(client redis.UniversalClient, namespace string) *AtomicStore {
	return &AtomicStore{client: client, prefix: keyPrefix + namespace + ":"}
}

func (s *AtomicStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
}

func (s *AtomicStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *AtomicStore) CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, s.client, []string{s.prefix + key}, old, new, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *AtomicStore) Take(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.GetDel(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *AtomicStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
