package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/latticehq/lattice/pkg/cache"
	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/observability"
	"github.com/latticehq/lattice/pkg/schema"
)

// Engine answers permission checks from a two-layer cache and keeps both
// layers coherent with the grant tables. The union of direct, role, and team
// grants is computed once per miss and cached per (schema, user).
//
// A denied check is (false, nil). An error means the answer could not be
// determined; callers must not treat it as a denial.
type Engine struct {
	store    *Store
	sessions Sessions
	redis    *cache.Client
	l1       *cache.Local
	ttl      time.Duration
	backoff  time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEngine creates an engine. redis and l1 may each be nil; with both nil
// every check resolves from the store.
func NewEngine(store *Store, sessions Sessions, redis *cache.Client, l1 *cache.Local, ttl, backoff time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:    store,
		sessions: sessions,
		redis:    redis,
		l1:       l1,
		ttl:      ttl,
		backoff:  backoff,
		logger:   logger.WithComponent("permission"),
		metrics:  metrics,
	}
}

// Check reports whether the user holds the permission in the given scope.
func (e *Engine) Check(ctx context.Context, schemaName, userID, code string, scope Scope) (bool, error) {
	start := time.Now()

	set, source, err := e.load(ctx, schemaName, userID)
	if err != nil {
		e.countCheck("error")
		return false, err
	}

	allowed := set.Has(code, scope)
	if allowed {
		e.countCheck("allowed")
	} else {
		e.countCheck("denied")
	}
	if e.metrics != nil {
		e.metrics.PermissionLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}
	return allowed, nil
}

// AllPermissions returns the codes effective in a scope, including global
// grants.
func (e *Engine) AllPermissions(ctx context.Context, schemaName, userID string, scope Scope) (Set, error) {
	set, _, err := e.load(ctx, schemaName, userID)
	if err != nil {
		return nil, err
	}
	return Set(set.Scoped(scope)), nil
}

// Invalidate drops the user's cached set from both layers. Mutations call
// this before reporting success so a stale allow can never outlive a write.
func (e *Engine) Invalidate(ctx context.Context, schemaName, userID string) error {
	key := cache.PermsKey(schemaName, userID)
	if e.l1 != nil {
		e.l1.Remove(key)
	}
	if e.metrics != nil {
		e.metrics.CacheInvalidated.WithLabelValues("perms").Inc()
	}
	if e.redis != nil {
		if err := e.redis.Delete(ctx, key); err != nil {
			return fault.Undetermined("permission invalidation", err)
		}
	}
	return nil
}

// Grant records a direct grant and invalidates the user's cached set.
func (e *Engine) Grant(ctx context.Context, schemaName, userID, code string, scope Scope, expiresAt *time.Time) error {
	if !scope.Valid() {
		return fmt.Errorf("unknown scope %q", scope)
	}
	return e.mutate(ctx, schemaName, func(q Querier) error {
		return e.store.GrantDirect(ctx, q, schemaName, userID, code, scope, expiresAt)
	}, userID)
}

// Revoke revokes a direct grant and invalidates the user's cached set.
func (e *Engine) Revoke(ctx context.Context, schemaName, userID, code string, scope Scope) error {
	return e.mutate(ctx, schemaName, func(q Querier) error {
		return e.store.RevokeDirect(ctx, q, schemaName, userID, code, scope)
	}, userID)
}

// AssignRole attaches a role and invalidates the user's cached set.
func (e *Engine) AssignRole(ctx context.Context, schemaName, userID, roleID string) error {
	return e.mutate(ctx, schemaName, func(q Querier) error {
		return e.store.AssignRole(ctx, q, schemaName, userID, roleID)
	}, userID)
}

// RevokeRole detaches a role and invalidates the user's cached set.
func (e *Engine) RevokeRole(ctx context.Context, schemaName, userID, roleID string) error {
	return e.mutate(ctx, schemaName, func(q Querier) error {
		return e.store.RevokeRole(ctx, q, schemaName, userID, roleID)
	}, userID)
}

// GrantRolePermission records a role grant and invalidates every user
// holding the role.
func (e *Engine) GrantRolePermission(ctx context.Context, schemaName, roleID, code string, scope Scope, expiresAt *time.Time) error {
	if !scope.Valid() {
		return fmt.Errorf("unknown scope %q", scope)
	}
	return e.mutateRole(ctx, schemaName, roleID, func(q Querier) error {
		return e.store.GrantRolePermission(ctx, q, schemaName, roleID, code, scope, expiresAt)
	})
}

// RevokeRolePermission revokes a role grant and invalidates every user
// holding the role, so the stale allow cannot outlive the write.
func (e *Engine) RevokeRolePermission(ctx context.Context, schemaName, roleID, code string, scope Scope) error {
	return e.mutateRole(ctx, schemaName, roleID, func(q Querier) error {
		return e.store.RevokeRolePermission(ctx, q, schemaName, roleID, code, scope)
	})
}

// AddTeamMember adds a member and invalidates that member's cached set.
func (e *Engine) AddTeamMember(ctx context.Context, schemaName, teamID, userID string) error {
	return e.mutate(ctx, schemaName, func(q Querier) error {
		return e.store.AddTeamMember(ctx, q, schemaName, teamID, userID)
	}, userID)
}

// RemoveTeamMember removes a member and invalidates that member's cached set.
func (e *Engine) RemoveTeamMember(ctx context.Context, schemaName, teamID, userID string) error {
	return e.mutate(ctx, schemaName, func(q Querier) error {
		return e.store.RemoveTeamMember(ctx, q, schemaName, teamID, userID)
	}, userID)
}

// GrantTeam records a team grant and invalidates every active member.
func (e *Engine) GrantTeam(ctx context.Context, schemaName, teamID, code string, scope Scope, expiresAt *time.Time) error {
	if !scope.Valid() {
		return fmt.Errorf("unknown scope %q", scope)
	}
	return e.mutateTeam(ctx, schemaName, teamID, func(q Querier) error {
		return e.store.GrantTeam(ctx, q, schemaName, teamID, code, scope, expiresAt)
	})
}

// RevokeTeam revokes a team grant and invalidates every active member.
func (e *Engine) RevokeTeam(ctx context.Context, schemaName, teamID, code string, scope Scope) error {
	return e.mutateTeam(ctx, schemaName, teamID, func(q Querier) error {
		return e.store.RevokeTeam(ctx, q, schemaName, teamID, code, scope)
	})
}

// load returns the user's effective set and which layer answered.
func (e *Engine) load(ctx context.Context, schemaName, userID string) (Set, string, error) {
	if err := schema.Validate(schemaName); err != nil {
		return nil, "", err
	}

	key := cache.PermsKey(schemaName, userID)

	if e.l1 != nil {
		if entries, ok := e.l1.Get(key); ok {
			e.countCache("hit", "l1")
			return Set(entries), "l1", nil
		}
		e.countCache("miss", "l1")
	}

	if e.redis != nil {
		var entries []string
		ok, err := e.redis.GetJSON(ctx, key, &entries)
		if err != nil {
			e.logger.WithError(err).Debug("Permission cache read failed; resolving from store")
		} else if ok {
			e.countCache("hit", "redis")
			if e.l1 != nil {
				e.l1.Set(key, entries)
			}
			return Set(entries), "redis", nil
		} else {
			e.countCache("miss", "redis")
		}
	}

	set, err := e.resolve(ctx, schemaName, userID)
	if err != nil {
		return nil, "", err
	}

	if e.redis != nil {
		if err := e.redis.SetJSON(ctx, key, []string(set), e.ttl); err != nil {
			e.logger.WithError(err).Debug("Permission cache write failed")
		}
	}
	if e.l1 != nil {
		e.l1.Set(key, []string(set))
	}
	return set, "store", nil
}

func (e *Engine) resolve(ctx context.Context, schemaName, userID string) (Set, error) {
	q, release, err := e.sessions.Session(ctx, schemaName)
	if err != nil {
		return nil, fault.Undetermined("permission session", err)
	}
	defer release()

	var set Set
	err = fault.RetryOnce(ctx, e.backoff, func(ctx context.Context) error {
		var resolveErr error
		set, resolveErr = e.store.ResolveAll(ctx, q, schemaName, userID)
		return resolveErr
	})
	if err != nil {
		return nil, fault.Undetermined("permission resolution", err)
	}
	return set, nil
}

// mutate runs one write and then synchronously invalidates the user's set.
func (e *Engine) mutate(ctx context.Context, schemaName string, write func(Querier) error, userID string) error {
	if err := schema.Validate(schemaName); err != nil {
		return err
	}

	q, release, err := e.sessions.Session(ctx, schemaName)
	if err != nil {
		return fault.Undetermined("permission session", err)
	}
	defer release()

	if err := write(q); err != nil {
		return err
	}
	return e.Invalidate(ctx, schemaName, userID)
}

// mutateRole runs one role-level write and invalidates every active holder.
func (e *Engine) mutateRole(ctx context.Context, schemaName, roleID string, write func(Querier) error) error {
	if err := schema.Validate(schemaName); err != nil {
		return err
	}

	q, release, err := e.sessions.Session(ctx, schemaName)
	if err != nil {
		return fault.Undetermined("permission session", err)
	}
	defer release()

	if err := write(q); err != nil {
		return err
	}

	members, err := e.store.RoleMemberIDs(ctx, q, schemaName, roleID)
	if err != nil {
		return fault.Undetermined("role member listing", err)
	}
	for _, userID := range members {
		if err := e.Invalidate(ctx, schemaName, userID); err != nil {
			return err
		}
	}
	return nil
}

// mutateTeam runs one team-level write and invalidates every active member.
func (e *Engine) mutateTeam(ctx context.Context, schemaName, teamID string, write func(Querier) error) error {
	if err := schema.Validate(schemaName); err != nil {
		return err
	}

	q, release, err := e.sessions.Session(ctx, schemaName)
	if err != nil {
		return fault.Undetermined("permission session", err)
	}
	defer release()

	if err := write(q); err != nil {
		return err
	}

	members, err := e.store.TeamMemberIDs(ctx, q, schemaName, teamID)
	if err != nil {
		return fault.Undetermined("team member listing", err)
	}
	for _, userID := range members {
		if err := e.Invalidate(ctx, schemaName, userID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) countCheck(outcome string) {
	if e.metrics != nil {
		e.metrics.PermissionChecks.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countCache(result, layer string) {
	if e.metrics == nil {
		return
	}
	if result == "hit" {
		e.metrics.CacheHitsTotal.WithLabelValues("perms", layer).Inc()
	} else {
		e.metrics.CacheMissesTotal.WithLabelValues("perms", layer).Inc()
	}
}
