package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/pkg/schema"
)

// Store resolves and mutates grants in a tenant schema. Like the identity
// store it is stateless; callers supply the session querier.
type Store struct{}

// ResolveAll computes the user's effective set: direct grants, grants
// through roles, and grants through team membership. Revoked and expired
// rows are filtered in SQL so a fresh resolution can never observe them.
func (s *Store) ResolveAll(ctx context.Context, q Querier, schemaName, userID string) (Set, error) {
	var entries []string

	collect := func(kind, query string) error {
		rows, err := q.QueryContext(ctx, query, userID)
		if err != nil {
			return fmt.Errorf("failed to load %s grants: %w", kind, err)
		}
		defer rows.Close()
		for rows.Next() {
			var code string
			var scope Scope
			if err := rows.Scan(&code, &scope); err != nil {
				return fmt.Errorf("failed to scan %s grant: %w", kind, err)
			}
			entries = append(entries, Entry(scope, code))
		}
		return rows.Err()
	}

	direct := fmt.Sprintf(`
		SELECT permission_code, scope
		FROM %s
		WHERE user_id = $1 AND NOT revoked
		  AND (expires_at IS NULL OR expires_at > NOW())`,
		schema.Qualify(schemaName, "user_grants"))

	role := fmt.Sprintf(`
		SELECT rp.permission_code, rp.scope
		FROM %s ur
		JOIN %s rp ON rp.role_id = ur.role_id
		WHERE ur.user_id = $1 AND NOT ur.revoked AND NOT rp.revoked
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		  AND (rp.expires_at IS NULL OR rp.expires_at > NOW())`,
		schema.Qualify(schemaName, "user_roles"),
		schema.Qualify(schemaName, "role_permissions"))

	team := fmt.Sprintf(`
		SELECT tg.permission_code, tg.scope
		FROM %s tm
		JOIN %s tg ON tg.team_id = tm.team_id
		WHERE tm.user_id = $1 AND NOT tm.revoked AND NOT tg.revoked
		  AND (tg.expires_at IS NULL OR tg.expires_at > NOW())`,
		schema.Qualify(schemaName, "team_members"),
		schema.Qualify(schemaName, "team_grants"))

	if err := collect("direct", direct); err != nil {
		return nil, err
	}
	if err := collect("role", role); err != nil {
		return nil, err
	}
	if err := collect("team", team); err != nil {
		return nil, err
	}

	return normalize(entries), nil
}

// GrantDirect records a direct grant. Re-granting a revoked permission
// reactivates the row.
func (s *Store) GrantDirect(ctx context.Context, q Querier, schemaName, userID, code string, scope Scope, expiresAt *time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, permission_code, scope, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, false, NOW())
		ON CONFLICT (user_id, permission_code, scope) DO UPDATE SET
			revoked = false,
			expires_at = EXCLUDED.expires_at`,
		schema.Qualify(schemaName, "user_grants"))

	if _, err := q.ExecContext(ctx, query, uuid.NewString(), userID, code, scope, expiresAt); err != nil {
		return fmt.Errorf("failed to grant %s: %w", code, err)
	}
	return nil
}

// RevokeDirect marks a direct grant revoked.
func (s *Store) RevokeDirect(ctx context.Context, q Querier, schemaName, userID, code string, scope Scope) error {
	query := fmt.Sprintf(
		"UPDATE %s SET revoked = true WHERE user_id = $1 AND permission_code = $2 AND scope = $3",
		schema.Qualify(schemaName, "user_grants"))
	if _, err := q.ExecContext(ctx, query, userID, code, scope); err != nil {
		return fmt.Errorf("failed to revoke %s: %w", code, err)
	}
	return nil
}

// AssignRole attaches a role to a user.
func (s *Store) AssignRole(ctx context.Context, q Querier, schemaName, userID, roleID string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, role_id, revoked, created_at)
		VALUES ($1, $2, false, NOW())
		ON CONFLICT (user_id, role_id) DO UPDATE SET revoked = false`,
		schema.Qualify(schemaName, "user_roles"))
	if _, err := q.ExecContext(ctx, query, userID, roleID); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole detaches a role from a user.
func (s *Store) RevokeRole(ctx context.Context, q Querier, schemaName, userID, roleID string) error {
	query := fmt.Sprintf(
		"UPDATE %s SET revoked = true WHERE user_id = $1 AND role_id = $2",
		schema.Qualify(schemaName, "user_roles"))
	if _, err := q.ExecContext(ctx, query, userID, roleID); err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// GrantRolePermission records a grant carried by a role. Re-granting a
// revoked permission reactivates the row.
func (s *Store) GrantRolePermission(ctx context.Context, q Querier, schemaName, roleID, code string, scope Scope, expiresAt *time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, role_id, permission_code, scope, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, false, NOW())
		ON CONFLICT (role_id, permission_code, scope) DO UPDATE SET
			revoked = false,
			expires_at = EXCLUDED.expires_at`,
		schema.Qualify(schemaName, "role_permissions"))
	if _, err := q.ExecContext(ctx, query, uuid.NewString(), roleID, code, scope, expiresAt); err != nil {
		return fmt.Errorf("failed to grant %s to role: %w", code, err)
	}
	return nil
}

// RevokeRolePermission marks a role grant revoked. Every user holding the
// role loses the permission on their next resolution.
func (s *Store) RevokeRolePermission(ctx context.Context, q Querier, schemaName, roleID, code string, scope Scope) error {
	query := fmt.Sprintf(
		"UPDATE %s SET revoked = true WHERE role_id = $1 AND permission_code = $2 AND scope = $3",
		schema.Qualify(schemaName, "role_permissions"))
	if _, err := q.ExecContext(ctx, query, roleID, code, scope); err != nil {
		return fmt.Errorf("failed to revoke role grant: %w", err)
	}
	return nil
}

// RoleMemberIDs lists the users actively holding a role, for targeted
// invalidation after role-level mutations.
func (s *Store) RoleMemberIDs(ctx context.Context, q Querier, schemaName, roleID string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT user_id FROM %s WHERE role_id = $1 AND NOT revoked",
		schema.Qualify(schemaName, "user_roles"))

	rows, err := q.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan role member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddTeamMember adds a user to a team.
func (s *Store) AddTeamMember(ctx context.Context, q Querier, schemaName, teamID, userID string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (team_id, user_id, revoked, created_at)
		VALUES ($1, $2, false, NOW())
		ON CONFLICT (team_id, user_id) DO UPDATE SET revoked = false`,
		schema.Qualify(schemaName, "team_members"))
	if _, err := q.ExecContext(ctx, query, teamID, userID); err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

// RemoveTeamMember removes a user from a team.
func (s *Store) RemoveTeamMember(ctx context.Context, q Querier, schemaName, teamID, userID string) error {
	query := fmt.Sprintf(
		"UPDATE %s SET revoked = true WHERE team_id = $1 AND user_id = $2",
		schema.Qualify(schemaName, "team_members"))
	if _, err := q.ExecContext(ctx, query, teamID, userID); err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	return nil
}

// GrantTeam records a grant carried by team membership.
func (s *Store) GrantTeam(ctx context.Context, q Querier, schemaName, teamID, code string, scope Scope, expiresAt *time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, team_id, permission_code, scope, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, false, NOW())
		ON CONFLICT (team_id, permission_code, scope) DO UPDATE SET
			revoked = false,
			expires_at = EXCLUDED.expires_at`,
		schema.Qualify(schemaName, "team_grants"))
	if _, err := q.ExecContext(ctx, query, uuid.NewString(), teamID, code, scope, expiresAt); err != nil {
		return fmt.Errorf("failed to grant %s to team: %w", code, err)
	}
	return nil
}

// RevokeTeam marks a team grant revoked.
func (s *Store) RevokeTeam(ctx context.Context, q Querier, schemaName, teamID, code string, scope Scope) error {
	query := fmt.Sprintf(
		"UPDATE %s SET revoked = true WHERE team_id = $1 AND permission_code = $2 AND scope = $3",
		schema.Qualify(schemaName, "team_grants"))
	if _, err := q.ExecContext(ctx, query, teamID, code, scope); err != nil {
		return fmt.Errorf("failed to revoke team grant: %w", err)
	}
	return nil
}

// TeamMemberIDs lists the active members of a team, for targeted
// invalidation after team-level mutations.
func (s *Store) TeamMemberIDs(ctx context.Context, q Querier, schemaName, teamID string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT user_id FROM %s WHERE team_id = $1 AND NOT revoked",
		schema.Qualify(schemaName, "team_members"))

	rows, err := q.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
