// Package tenant resolves the tenant an inbound request belongs to and
// carries that identity through the request context.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is owned by the external registry; this service only reads it.
type Tenant struct {
	ID        string `json:"id"`
	Subdomain string `json:"subdomain"`
	Status    Status `json:"status"`
}

func (t *Tenant) Active() bool {
	return t != nil && t.Status == StatusActive
}

// ErrTenantNotFound is terminal for the request.
var ErrTenantNotFound = errors.New("tenant not found")

// Registry looks tenants up. Implementations return ErrTenantNotFound for
// unknown keys and any other error for backend failures.
type Registry interface {
	LookupBySubdomain(ctx context.Context, label string) (*Tenant, error)
	LookupByID(ctx context.Context, id string) (*Tenant, error)
	LookupByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
}

// HashAPIKey is the form in which registries store API keys.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Writer seeds a registry; used by tenantgatectl and tests.
type Writer interface {
	Put(ctx context.Context, t Tenant) error
	AddAPIKey(ctx context.Context, tenantID, apiKey string) error
}
