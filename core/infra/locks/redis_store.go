package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/addonhub/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 30 * time.Second
	lockKeyPrefix   = "addonhub:lock:"
)

// ErrNotHeld is returned by Get when nobody holds the resource.
var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

type RedisStore struct {
	client redis.UniversalClient
	owned  bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to url and returns a lock store owning the client.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.Connect(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, owned: true}, nil
}

// NewRedisStoreFromClient shares an existing client; Close leaves it open.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client when the store created it.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

// Acquire takes the lock if it is free. It reports false, without error,
// when another owner holds it.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := s.normalize(resource, owner)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, lockKey(resource), owner, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	return ok, nil
}

// Release drops the lock if owner still holds it.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) error {
	resource, owner, err := s.normalize(resource, owner)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{lockKey(resource)}, owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", resource, err)
	}
	return nil
}

// Renew extends the TTL if owner still holds the lock.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	resource, owner, err := s.normalize(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, s.client, []string{lockKey(resource)}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", resource, err)
	}
	return n == 1, nil
}

// Get returns the current holder of resource, or ErrNotHeld.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	key := lockKey(resource)
	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotHeld
	}
	if err != nil {
		return nil, err
	}
	lock := &Lock{Resource: resource, Owner: owner}
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		lock.ExpiresAt = time.Now().Add(ttl).UTC()
	}
	return lock, nil
}

func (s *RedisStore) normalize(resource, owner string) (string, string, error) {
	if s == nil || s.client == nil {
		return "", "", fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return "", "", fmt.Errorf("resource and owner required")
	}
	return resource, owner, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func lockKey(resource string) string {
	return lockKeyPrefix + resource
}
