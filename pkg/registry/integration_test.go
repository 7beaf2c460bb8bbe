package registry

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresSource_Integration exercises the control-plane queries against
// a real Postgres. Opt in with LATTICE_INTEGRATION=1; CI without Docker
// skips it.
func TestPostgresSource_Integration(t *testing.T) {
	if os.Getenv("LATTICE_INTEGRATION") == "" {
		t.Skip("set LATTICE_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("lattice_control"),
		tcpostgres.WithUsername("lattice"),
		tcpostgres.WithPassword("lattice"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ddl := []string{
		`CREATE TABLE connection_configs (
			name TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INT NOT NULL,
			database_name TEXT NOT NULL,
			username TEXT NOT NULL,
			password_ref TEXT NOT NULL DEFAULT '',
			ssl_mode TEXT NOT NULL DEFAULT 'require',
			min_conns INT NOT NULL,
			max_conns INT NOT NULL,
			acquire_timeout_ms BIGINT NOT NULL,
			max_lifetime_s BIGINT NOT NULL,
			max_idle_s BIGINT NOT NULL,
			region TEXT NOT NULL,
			kind TEXT NOT NULL,
			backup_name TEXT,
			version INT NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE tenants (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			schema_name TEXT NOT NULL,
			connection_name TEXT NOT NULL REFERENCES connection_configs(name),
			status TEXT NOT NULL,
			region TEXT NOT NULL
		)`,
		`INSERT INTO connection_configs
			(name, host, port, database_name, username, password_ref, ssl_mode, min_conns, max_conns,
			 acquire_timeout_ms, max_lifetime_s, max_idle_s, region, kind, backup_name, version, active)
		 VALUES
			('eu-shared', 'db1', 5432, 'app', 'svc', 'ref-eu', 'require', 2, 20, 5000, 1800, 300,
			 'eu-west-1', 'shared-regional', NULL, 1, true),
			('retired', 'db9', 5432, 'app', 'svc', '', 'require', 1, 5, 5000, 1800, 300,
			 'eu-west-1', 'shared-regional', NULL, 1, false)`,
		`INSERT INTO tenants (id, slug, schema_name, connection_name, status, region)
		 VALUES ('t-acme', 'acme', 'tenant_acme', 'eu-shared', 'active', 'eu-west-1')`,
	}
	for _, stmt := range ddl {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	source := NewPostgresSource(db, mapDecrypter{"ref-eu": "pw-eu"}, 10*time.Second)
	snap, err := source.Load(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Connections, 1, "inactive configs must not load")
	eu := snap.Connections["eu-shared"]
	require.Equal(t, "pw-eu", eu.Password)
	require.Equal(t, 5*time.Second, eu.AcquireTimeout)
	require.Empty(t, eu.BackupName)

	require.Len(t, snap.Tenants, 1)
	require.Equal(t, "tenant_acme", snap.Tenants["t-acme"].SchemaName)
}
