package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "tenantgate:lock:"
	defaultTTL = 30 * time.Second
)

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

// RedisStore keeps one string key per resource holding the owner token.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// TryAcquireLock takes resource for ttl if nobody holds it.
func (s *RedisStore) TryAcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, err := lockKey(resource, owner)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, key, owner, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	return ok, nil
}

// ReleaseLock drops resource if owner still holds it; a foreign or expired
// lease is left alone.
func (s *RedisStore) ReleaseLock(ctx context.Context, resource, owner string) error {
	key, err := lockKey(resource, owner)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", resource, err)
	}
	return nil
}

// Renew extends the lease when owner still holds it.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key, err := lockKey(resource, owner)
	if err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, s.client, []string{key}, owner, normalizeTTL(ttl).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", resource, err)
	}
	return n == 1, nil
}

// Get returns the current lease, or nil when the resource is free.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lease, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, errors.New("resource required")
	}
	key := keyPrefix + resource
	pipe := s.client.Pipeline()
	owner := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get lock %s: %w", resource, err)
	}
	if errors.Is(owner.Err(), redis.Nil) {
		return nil, nil
	}
	lease := &Lease{Resource: resource, Owner: owner.Val()}
	if d := ttl.Val(); d > 0 {
		lease.ExpiresAt = time.Now().Add(d).UTC()
	}
	return lease, nil
}

func lockKey(resource, owner string) (string, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" || strings.TrimSpace(owner) == "" {
		return "", errors.New("resource and owner required")
	}
	return keyPrefix + resource, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
