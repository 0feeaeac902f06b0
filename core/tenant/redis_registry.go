package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix    = "tenant:rec:"
	subdomainKeyPrefix = "tenant:sub:"
	apiKeyKeyPrefix    = "tenant:key:"
)

// RedisRegistry reads tenant records seeded by the admin side (or tenantgatectl).
//
//	tenant:rec:<id>       hash {id, subdomain, status}
//	tenant:sub:<label>    string -> id
//	tenant:key:<sha256>   string -> id
type RedisRegistry struct {
	client redis.UniversalClient
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(client redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) LookupByID(ctx context.Context, id string) (*Tenant, error) {
	if id == "" {
		return nil, ErrTenantNotFound
	}
	fields, err := r.client.HGetAll(ctx, recordKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup tenant %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrTenantNotFound
	}
	return &Tenant{ID: fields["id"], Subdomain: fields["subdomain"], Status: Status(fields["status"])}, nil
}

func (r *RedisRegistry) LookupBySubdomain(ctx context.Context, label string) (*Tenant, error) {
	return r.lookupIndirect(ctx, subdomainKeyPrefix+strings.ToLower(label))
}

func (r *RedisRegistry) LookupByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	if apiKey == "" {
		return nil, ErrTenantNotFound
	}
	return r.lookupIndirect(ctx, apiKeyKeyPrefix+HashAPIKey(apiKey))
}

func (r *RedisRegistry) lookupIndirect(ctx context.Context, key string) (*Tenant, error) {
	id, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	return r.LookupByID(ctx, id)
}

// Put writes or replaces a tenant record and its subdomain index.
func (r *RedisRegistry) Put(ctx context.Context, t Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id required")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	t.Subdomain = strings.ToLower(t.Subdomain)
	prev, err := r.client.HGet(ctx, recordKeyPrefix+t.ID, "subdomain").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("put tenant %s: %w", t.ID, err)
	}
	pipe := r.client.TxPipeline()
	if prev != "" && prev != t.Subdomain {
		pipe.Del(ctx, subdomainKeyPrefix+prev)
	}
	pipe.HSet(ctx, recordKeyPrefix+t.ID, map[string]any{
		"id":        t.ID,
		"subdomain": t.Subdomain,
		"status":    string(t.Status),
	})
	if t.Subdomain != "" {
		pipe.Set(ctx, subdomainKeyPrefix+t.Subdomain, t.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put tenant %s: %w", t.ID, err)
	}
	return nil
}

// AddAPIKey binds an API key to an existing tenant. Only the hash is stored.
func (r *RedisRegistry) AddAPIKey(ctx context.Context, tenantID, apiKey string) error {
	if apiKey == "" {
		return errors.New("api key required")
	}
	if _, err := r.LookupByID(ctx, tenantID); err != nil {
		return err
	}
	return r.client.Set(ctx, apiKeyKeyPrefix+HashAPIKey(apiKey), tenantID, 0).Err()
}
