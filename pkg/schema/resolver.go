package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/latticehq/lattice/pkg/cache"
	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/observability"
	"github.com/latticehq/lattice/pkg/registry"
)

// Directory is the tenant lookup the resolver reads through to. Satisfied by
// *registry.Registry.
type Directory interface {
	TenantByID(ctx context.Context, id string) (*registry.Tenant, error)
}

// Resolver maps tenant ids to schema names with a Redis read-through cache.
// Cached values are re-validated on every read; a poisoned cache entry is
// evicted rather than trusted.
type Resolver struct {
	directory Directory
	redis     *cache.Client
	ttl       time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a resolver. redis may be nil; resolution then always
// goes to the directory.
func NewResolver(directory Directory, redis *cache.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		directory: directory,
		redis:     redis,
		ttl:       ttl,
		logger:    logger.WithComponent("schema"),
		metrics:   metrics,
	}
}

// ResolveControlPlane returns the schema for platform-level operations.
func (r *Resolver) ResolveControlPlane() string {
	return ControlPlane
}

// Resolve returns the validated schema name for a tenant. Suspended tenants
// resolve to an error; their cached entry is dropped so reactivation takes
// effect on the next call.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (string, error) {
	if r.redis != nil {
		key := cache.SchemaKey(tenantID)
		if cached, ok, err := r.redis.Get(ctx, key); err == nil && ok {
			if err := Validate(cached); err == nil {
				r.count("hit")
				return cached, nil
			}
			r.logger.WithField("tenant_id", tenantID).Warn("Evicting invalid cached schema name")
			_ = r.redis.Delete(ctx, key)
		} else if err != nil {
			r.logger.WithError(err).Debug("Schema cache read failed; resolving from directory")
		}
	}

	tenant, err := r.directory.TenantByID(ctx, tenantID)
	if err != nil {
		r.count("error")
		return "", err
	}

	if tenant.Status == registry.TenantSuspended {
		r.count("suspended")
		if r.redis != nil {
			_ = r.redis.Delete(ctx, cache.SchemaKey(tenantID))
		}
		return "", fmt.Errorf("tenant %q: %w", tenantID, fault.ErrTenantSuspended)
	}

	if err := Validate(tenant.SchemaName); err != nil {
		r.count("invalid")
		return "", fmt.Errorf("tenant %q directory entry: %w", tenantID, err)
	}

	if r.redis != nil {
		if err := r.redis.Set(ctx, cache.SchemaKey(tenantID), tenant.SchemaName, r.ttl); err != nil {
			r.logger.WithError(err).Debug("Schema cache write failed")
		}
	}

	r.count("miss")
	return tenant.SchemaName, nil
}

// Invalidate drops a tenant's cached resolution. Called when a tenant is
// suspended, migrated, or renamed.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string) error {
	if r.redis == nil {
		return nil
	}
	if r.metrics != nil {
		r.metrics.CacheInvalidated.WithLabelValues("schema").Inc()
	}
	return r.redis.Delete(ctx, cache.SchemaKey(tenantID))
}

func (r *Resolver) count(status string) {
	if r.metrics != nil {
		r.metrics.SchemaResolutions.WithLabelValues(status).Inc()
	}
}
