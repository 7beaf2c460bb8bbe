package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/latticehq/lattice/pkg/secrets"
)

// PostgresSource loads the registry from the central control-plane store.
type PostgresSource struct {
	db        *sql.DB
	decrypter secrets.Decrypter
	timeout   time.Duration
}

// NewPostgresSource creates a source over the control-plane database.
func NewPostgresSource(db *sql.DB, decrypter secrets.Decrypter, timeout time.Duration) *PostgresSource {
	return &PostgresSource{
		db:        db,
		decrypter: decrypter,
		timeout:   timeout,
	}
}

// Load reads all active connection configs and the tenant directory.
func (s *PostgresSource) Load(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	connections, err := s.loadConnections(ctx)
	if err != nil {
		return nil, err
	}

	tenants, err := s.loadTenants(ctx)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Connections: connections,
		Tenants:     tenants,
	}, nil
}

func (s *PostgresSource) loadConnections(ctx context.Context) (map[string]ConnectionConfig, error) {
	query := `
		SELECT name, host, port, database_name, username, password_ref, ssl_mode,
		       min_conns, max_conns, acquire_timeout_ms, max_lifetime_s, max_idle_s,
		       region, kind, COALESCE(backup_name, ''), version
		FROM connection_configs
		WHERE active = true
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection configs: %w", err)
	}
	defer rows.Close()

	connections := make(map[string]ConnectionConfig)
	for rows.Next() {
		var c ConnectionConfig
		var acquireMs, lifetimeS, idleS int64

		err := rows.Scan(
			&c.Name,
			&c.Host,
			&c.Port,
			&c.Database,
			&c.User,
			&c.PasswordRef,
			&c.SSLMode,
			&c.MinConns,
			&c.MaxConns,
			&acquireMs,
			&lifetimeS,
			&idleS,
			&c.Region,
			&c.Kind,
			&c.BackupName,
			&c.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection config: %w", err)
		}

		c.AcquireTimeout = time.Duration(acquireMs) * time.Millisecond
		c.MaxLifetime = time.Duration(lifetimeS) * time.Second
		c.MaxIdleTime = time.Duration(idleS) * time.Second
		c.Active = true

		if c.PasswordRef != "" {
			password, err := s.decrypter.Decrypt(ctx, c.PasswordRef)
			if err != nil {
				// Name the connection, never the credential material.
				return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", c.Name, err)
			}
			c.Password = password
		}

		connections[c.Name] = c
	}

	return connections, rows.Err()
}

func (s *PostgresSource) loadTenants(ctx context.Context) (map[string]Tenant, error) {
	query := `
		SELECT id, slug, schema_name, connection_name, status, region
		FROM tenants
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}
	defer rows.Close()

	tenants := make(map[string]Tenant)
	for rows.Next() {
		var t Tenant
		err := rows.Scan(
			&t.ID,
			&t.Slug,
			&t.SchemaName,
			&t.ConnectionName,
			&t.Status,
			&t.Region,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants[t.ID] = t
	}

	return tenants, rows.Err()
}
