// Package multitenancy resolves API credentials to tenants and carries the
// resolved tenant through request contexts. It is the only place credential
// comparison happens.
package multitenancy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/pulsestream/backend/internal/core"
)

// ErrTenantInactive distinguishes a suspended tenant from an unknown
// credential for logging. Clients see the same unauthorized response.
var ErrTenantInactive = errors.New("tenant is inactive")

// TenantSource is the slice of the store adapter the registry needs.
type TenantSource interface {
	TenantByAPIKey(ctx context.Context, apiKey string) (*core.Tenant, error)
	TouchTenantActivity(ctx context.Context, tenantID string) error
}

// Registry authenticates tenant credentials with a short-TTL positive
// cache. Cache keys are credential hashes so raw keys never sit in memory
// beyond the tenant record itself.
type Registry struct {
	store TenantSource
	cache *expirable.LRU[string, *core.Tenant]
}

// NewRegistry builds a registry. ttl must stay under a minute so tenant
// deactivation propagates quickly; zero disables caching.
func NewRegistry(store TenantSource, ttl time.Duration) *Registry {
	var cache *expirable.LRU[string, *core.Tenant]
	if ttl > 0 {
		cache = expirable.NewLRU[string, *core.Tenant](4096, nil, ttl)
	}
	return &Registry{store: store, cache: cache}
}

// Authenticate resolves a credential to an active tenant.
func (r *Registry) Authenticate(ctx context.Context, credential string) (*core.Tenant, error) {
	if credential == "" {
		return nil, core.E(core.KindUnauthorized, "missing API key")
	}

	cacheKey := hashCredential(credential)
	if r.cache != nil {
		if tenant, ok := r.cache.Get(cacheKey); ok {
			return r.checkActive(tenant)
		}
	}

	tenant, err := r.store.TenantByAPIKey(ctx, credential)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, core.E(core.KindUnauthorized, "invalid API key")
		}
		return nil, err
	}

	// The database lookup is index-driven on the exact key; compare again
	// in constant time before trusting the row.
	if subtle.ConstantTimeCompare([]byte(tenant.APIKey), []byte(credential)) != 1 {
		return nil, core.E(core.KindUnauthorized, "invalid API key")
	}

	tenant, err = r.checkActive(tenant)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Add(cacheKey, tenant)
	}
	if touchErr := r.store.TouchTenantActivity(ctx, tenant.ID); touchErr != nil {
		slog.Debug("tenant activity touch failed", "tenant_id", tenant.ID, "error", touchErr)
	}
	return tenant, nil
}

func (r *Registry) checkActive(tenant *core.Tenant) (*core.Tenant, error) {
	if !tenant.IsActive {
		slog.Warn("authentication rejected", "tenant_id", tenant.ID, "reason", ErrTenantInactive)
		return nil, core.Wrap(core.KindUnauthorized, "invalid API key", ErrTenantInactive)
	}
	return tenant, nil
}

// Invalidate drops a credential from the positive cache. The administrative
// deactivation flow calls this so a suspended tenant stops authenticating
// before the TTL elapses.
func (r *Registry) Invalidate(credential string) {
	if r.cache != nil {
		r.cache.Remove(hashCredential(credential))
	}
}

func hashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// ----------------------------------------------------------------------------
// Context helpers
// ----------------------------------------------------------------------------

type contextKey string

const tenantKey contextKey = "tenant"

// WithTenant attaches the authenticated tenant to the request context.
func WithTenant(ctx context.Context, tenant *core.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// TenantFromContext extracts the authenticated tenant.
func TenantFromContext(ctx context.Context) (*core.Tenant, error) {
	tenant, ok := ctx.Value(tenantKey).(*core.Tenant)
	if !ok || tenant == nil {
		return nil, core.E(core.KindUnauthorized, "tenant context missing")
	}
	return tenant, nil
}
