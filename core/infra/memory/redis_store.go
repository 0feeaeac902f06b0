package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pointerPrefix         = "redis://"
	resultKeyPrefix       = "res:"
	defaultArtifactTTL    = 24 * time.Hour
	defaultRedisOpTimeout = 2 * time.Second
)

// ErrArtifactNotFound is returned for expired or unknown artifact pointers.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore keeps handler output blobs too large for the job record and
// hands back redis:// pointers to them.
type ArtifactStore interface {
	PutResult(ctx context.Context, jobID string, data []byte) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
}

// RedisStore implements ArtifactStore using plain Redis strings with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ ArtifactStore = (*RedisStore)(nil)

// NewRedisStore wraps client; ttl <= 0 uses the default retention of one day.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultArtifactTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// PutResult stores data under the job's result key and returns its pointer.
// Writes outlive a cancelled caller context so a finished handler's output
// is not lost to shutdown.
func (s *RedisStore) PutResult(ctx context.Context, jobID string, data []byte) (string, error) {
	if jobID == "" {
		return "", errors.New("job id required")
	}
	key := MakeResultKey(jobID)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
	defer cancel()
	if err := s.client.Set(cctx, key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("put artifact %s: %w", key, err)
	}
	return PointerForKey(key), nil
}

func (s *RedisStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	key, err := KeyFromPointer(pointer)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, defaultRedisOpTimeout)
	defer cancel()
	val, err := s.client.Get(cctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", key, err)
	}
	return val, nil
}

// MakeResultKey constructs the result key for a given job ID.
func MakeResultKey(jobID string) string {
	return resultKeyPrefix + jobID
}

// PointerForKey formats a Redis key as a redis:// pointer.
func PointerForKey(key string) string {
	return pointerPrefix + key
}

// KeyFromPointer parses a redis:// pointer and returns the key component.
func KeyFromPointer(ptr string) (string, error) {
	if ptr == "" {
		return "", errors.New("empty pointer")
	}
	if !strings.HasPrefix(ptr, pointerPrefix) {
		return "", fmt.Errorf("invalid pointer prefix: %s", ptr)
	}
	key := strings.TrimPrefix(ptr, pointerPrefix)
	if key == "" {
		return "", errors.New("missing key in pointer")
	}
	return key, nil
}
