package registry

import (
	"fmt"
	"time"
)

// Kind classifies a connection's role in the topology.
type Kind string

const (
	KindControlPlane    Kind = "control-plane"
	KindSharedRegional  Kind = "shared-regional"
	KindDedicatedTenant Kind = "dedicated-tenant"
	KindAnalytics       Kind = "analytics"
)

// ConnectionConfig describes one named database connection. Name is globally
// unique and immutable once a pool is live; a material change arrives as a
// new Version of the same name and triggers a hot swap.
type ConnectionConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`

	// PasswordRef is the encrypted credential reference stored in the
	// central registry. Password holds the decrypted value in memory only;
	// it is excluded from every serialization path and never logged.
	PasswordRef string `yaml:"password_ref"`
	Password    string `yaml:"-" json:"-"`

	SSLMode string `yaml:"ssl_mode"`

	MinConns       int           `yaml:"min_conns"`
	MaxConns       int           `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`

	Region     string `yaml:"region"`
	Kind       Kind   `yaml:"kind"`
	BackupName string `yaml:"backup_name"`

	Version int  `yaml:"version"`
	Active  bool `yaml:"active"`
}

// DSN builds the lib/pq connection string.
func (c ConnectionConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// Redacted returns a loggable description without credentials.
func (c ConnectionConfig) Redacted() string {
	return fmt.Sprintf("%s (%s@%s:%d/%s kind=%s region=%s v%d)",
		c.Name, c.User, c.Host, c.Port, c.Database, c.Kind, c.Region, c.Version)
}

// PoolEquivalent reports whether two versions of a config can share a live
// pool. Credentials, endpoint, and size bounds are material; region tags and
// backup declarations are not.
func (c ConnectionConfig) PoolEquivalent(other ConnectionConfig) bool {
	return c.Host == other.Host &&
		c.Port == other.Port &&
		c.Database == other.Database &&
		c.User == other.User &&
		c.Password == other.Password &&
		c.SSLMode == other.SSLMode &&
		c.MinConns == other.MinConns &&
		c.MaxConns == other.MaxConns &&
		c.MaxLifetime == other.MaxLifetime &&
		c.MaxIdleTime == other.MaxIdleTime
}

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant maps a tenant to its schema and connection assignment.
type Tenant struct {
	ID             string       `yaml:"id"`
	Slug           string       `yaml:"slug"`
	SchemaName     string       `yaml:"schema_name"`
	ConnectionName string       `yaml:"connection_name"`
	Status         TenantStatus `yaml:"status"`
	Region         string       `yaml:"region"`
}
