package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/schema"
)

// Store reads and writes user rows in a tenant schema. It carries no
// connection of its own; callers pass the session querier so the same store
// serves every tenant.
type Store struct{}

const userColumns = `id, external_subject, provider, email, username, display_name,
	COALESCE(tenant_id, ''), created_at, updated_at, last_login_at`

func scanUser(row *sql.Row, schemaName string) (*UserIdentity, error) {
	var u UserIdentity
	var lastLogin sql.NullTime
	err := row.Scan(
		&u.ID,
		&u.ExternalSubject,
		&u.Provider,
		&u.Email,
		&u.Username,
		&u.DisplayName,
		&u.TenantID,
		&u.CreatedAt,
		&u.UpdatedAt,
		&lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	u.SchemaName = schemaName
	return &u, nil
}

// lookup fetches one user by a fixed column. The column name is always a
// compile-time constant; only the value is parameterized.
func (s *Store) lookup(ctx context.Context, q Querier, schemaName, column, value string) (*UserIdentity, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		userColumns, schema.Qualify(schemaName, "users"), column)
	return scanUser(q.QueryRowContext(ctx, query, value), schemaName)
}

// ByID fetches a user by internal id.
func (s *Store) ByID(ctx context.Context, q Querier, schemaName, id string) (*UserIdentity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fault.ErrUserNotFound
	}
	return s.lookup(ctx, q, schemaName, "id", id)
}

// BySubject fetches a user by the identity provider's subject.
func (s *Store) BySubject(ctx context.Context, q Querier, schemaName, subject string) (*UserIdentity, error) {
	return s.lookup(ctx, q, schemaName, "external_subject", subject)
}

// ByEmail fetches a user by email.
func (s *Store) ByEmail(ctx context.Context, q Querier, schemaName, email string) (*UserIdentity, error) {
	return s.lookup(ctx, q, schemaName, "email", email)
}

// ByUsername fetches a user by username.
func (s *Store) ByUsername(ctx context.Context, q Querier, schemaName, username string) (*UserIdentity, error) {
	return s.lookup(ctx, q, schemaName, "username", username)
}

// Sync creates or refreshes the user row for verified claims. This is the
// only path that creates identity rows; plain resolution never writes.
func (s *Store) Sync(ctx context.Context, q Querier, schemaName string, claims *Claims) (*UserIdentity, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("claims carry no subject")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, external_subject, provider, email, username, display_name, tenant_id, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NOW(), NOW(), NOW())
		ON CONFLICT (external_subject, provider) DO UPDATE SET
			email = EXCLUDED.email,
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			updated_at = NOW(),
			last_login_at = NOW()
		RETURNING `+userColumns,
		schema.Qualify(schemaName, "users"))

	username := claims.Username
	if username == "" {
		username = claims.Email
	}

	row := q.QueryRowContext(ctx, query,
		uuid.NewString(),
		claims.Subject,
		claims.Provider,
		claims.Email,
		username,
		claims.Name,
		claims.TenantID,
	)
	return scanUser(row, schemaName)
}

// TouchLastLogin stamps a successful token resolution.
func (s *Store) TouchLastLogin(ctx context.Context, q Querier, schemaName, id string) error {
	query := fmt.Sprintf("UPDATE %s SET last_login_at = $1 WHERE id = $2",
		schema.Qualify(schemaName, "users"))
	if _, err := q.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to stamp last login: %w", err)
	}
	return nil
}
