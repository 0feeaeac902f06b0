package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id        TEXT PRIMARY KEY,
	subdomain TEXT UNIQUE,
	status    TEXT NOT NULL DEFAULT 'active'
);
CREATE TABLE IF NOT EXISTS tenant_api_keys (
	key_hash  TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE
);`

// PostgresRegistry reads tenants from the admin application's database.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

var _ Registry = (*PostgresRegistry)(nil)

// NewPostgresRegistry opens a pool for dsn and verifies connectivity.
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse tenant dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tenant pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tenant db: %w", err)
	}
	return &PostgresRegistry{pool: pool}, nil
}

func (r *PostgresRegistry) Close() {
	r.pool.Close()
}

// EnsureSchema creates the tables when they do not exist.
func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure tenant schema: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) LookupByID(ctx context.Context, id string) (*Tenant, error) {
	return r.queryOne(ctx, `SELECT id, COALESCE(subdomain, ''), status FROM tenants WHERE id = $1`, id)
}

func (r *PostgresRegistry) LookupBySubdomain(ctx context.Context, label string) (*Tenant, error) {
	return r.queryOne(ctx, `SELECT id, COALESCE(subdomain, ''), status FROM tenants WHERE subdomain = $1`, strings.ToLower(label))
}

func (r *PostgresRegistry) LookupByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	return r.queryOne(ctx, `
		SELECT t.id, COALESCE(t.subdomain, ''), t.status
		FROM tenant_api_keys k JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1`, HashAPIKey(apiKey))
}

func (r *PostgresRegistry) queryOne(ctx context.Context, sql string, arg string) (*Tenant, error) {
	if arg == "" {
		return nil, ErrTenantNotFound
	}
	var t Tenant
	var status string
	err := r.pool.QueryRow(ctx, sql, arg).Scan(&t.ID, &t.Subdomain, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	t.Status = Status(status)
	return &t, nil
}

// Put upserts a tenant record.
func (r *PostgresRegistry) Put(ctx context.Context, t Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id required")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	var sub any
	if t.Subdomain != "" {
		sub = strings.ToLower(t.Subdomain)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenants (id, subdomain, status) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET subdomain = EXCLUDED.subdomain, status = EXCLUDED.status`,
		t.ID, sub, string(t.Status))
	if err != nil {
		return fmt.Errorf("put tenant %s: %w", t.ID, err)
	}
	return nil
}

func (r *PostgresRegistry) AddAPIKey(ctx context.Context, tenantID, apiKey string) error {
	if apiKey == "" {
		return errors.New("api key required")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_api_keys (key_hash, tenant_id) VALUES ($1, $2)
		ON CONFLICT (key_hash) DO UPDATE SET tenant_id = EXCLUDED.tenant_id`,
		HashAPIKey(apiKey), tenantID)
	if err != nil {
		return fmt.Errorf("add api key for %s: %w", tenantID, err)
	}
	return nil
}
