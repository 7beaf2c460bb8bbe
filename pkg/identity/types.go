package identity

import (
	"context"
	"database/sql"
	"time"
)

// UserIdentity is the resolved platform identity for one user row.
type UserIdentity struct {
	ID              string     `json:"id"`
	ExternalSubject string     `json:"external_subject"`
	Provider        string     `json:"provider"`
	Email           string     `json:"email"`
	Username        string     `json:"username"`
	DisplayName     string     `json:"display_name"`
	TenantID        string     `json:"tenant_id,omitempty"`
	SchemaName      string     `json:"schema_name"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
}

// ControlPlane reports whether this is a platform-level account rather than
// a tenant member.
func (u *UserIdentity) ControlPlane() bool {
	return u.TenantID == ""
}

// Claims are the verified assertions extracted from an identity token.
type Claims struct {
	Subject       string
	Provider      string
	Email         string
	EmailVerified bool
	Name          string
	Username      string
	TenantID      string
	ExpiresAt     time.Time
}

// TokenVerifier validates a raw bearer token and returns its claims. The
// OIDC adapter is the production implementation; tests substitute their own.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// Querier is the subset of database/sql needed by the identity store.
// Satisfied by *sql.DB, *sql.Conn, and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Sessions checks out a database session scoped to a tenant's schema. An
// empty tenant id yields a control-plane session. release must be called
// when the caller is done with the querier.
type Sessions interface {
	Session(ctx context.Context, tenantID string) (q Querier, schemaName string, release func(), err error)
}

// SessionFunc adapts a function to the Sessions interface.
type SessionFunc func(ctx context.Context, tenantID string) (Querier, string, func(), error)

func (f SessionFunc) Session(ctx context.Context, tenantID string) (Querier, string, func(), error) {
	return f(ctx, tenantID)
}
