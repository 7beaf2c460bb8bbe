package main

import (
	"context"
	"fmt"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/identity"
	"github.com/latticehq/lattice/pkg/permission"
	"github.com/latticehq/lattice/pkg/pool"
	"github.com/latticehq/lattice/pkg/registry"
	"github.com/latticehq/lattice/pkg/schema"
)

// tenantSessions hands out database sessions keyed by tenant id. An empty
// tenant id means the control plane.
type tenantSessions struct {
	registry     *registry.Registry
	pools        *pool.Manager
	schemas      *schema.Resolver
	controlPlane string
}

func (s *tenantSessions) Session(ctx context.Context, tenantID string) (identity.Querier, string, func(), error) {
	if tenantID == "" {
		handle, err := s.pools.Acquire(ctx, s.controlPlane)
		if err != nil {
			return nil, "", nil, err
		}
		return handle.Conn(), schema.ControlPlane, handle.Release, nil
	}

	schemaName, err := s.schemas.Resolve(ctx, tenantID)
	if err != nil {
		return nil, "", nil, err
	}

	tenant, err := s.registry.TenantByID(ctx, tenantID)
	if err != nil {
		return nil, "", nil, err
	}

	handle, err := s.pools.Acquire(ctx, tenant.ConnectionName)
	if err != nil {
		return nil, "", nil, err
	}
	return handle.Conn(), schemaName, handle.Release, nil
}

// schemaSessions hands out database sessions keyed by schema name, for the
// permission engine whose callers already resolved the schema.
type schemaSessions struct {
	registry     *registry.Registry
	pools        *pool.Manager
	controlPlane string
}

func (s *schemaSessions) Session(ctx context.Context, schemaName string) (permission.Querier, func(), error) {
	connection := s.controlPlane
	if schemaName != schema.ControlPlane {
		name, ok := s.registry.Current().ConnectionForSchema(schemaName)
		if !ok {
			return nil, nil, fmt.Errorf("no tenant uses schema %q: %w", schemaName, fault.ErrTenantNotFound)
		}
		connection = name
	}

	handle, err := s.pools.Acquire(ctx, connection)
	if err != nil {
		return nil, nil, err
	}
	return handle.Conn(), handle.Release, nil
}
