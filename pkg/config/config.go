package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/latticehq/lattice/pkg/observability"
)

// Config holds all platform core configuration
type Config struct {
	Server        ServerConfig
	ControlPlane  ControlPlaneConfig
	Redis         RedisConfig
	Registry      RegistryConfig
	Health        HealthConfig
	Pool          PoolConfig
	Cache         CacheConfig
	Identity      IdentityConfig
	Secrets       SecretsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the operational HTTP endpoint configuration
// (health probes and metrics only; application routes live elsewhere).
type ServerConfig struct {
	Host            string
	HealthPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ControlPlaneConfig holds the central store connection settings
type ControlPlaneConfig struct {
	PostgresURL string
	// ConnectionName is the registry name reserved for the control-plane pool.
	ConnectionName string
	QueryTimeout   time.Duration
	RetryBackoff   time.Duration
}

// RedisConfig holds distributed cache connection settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// RegistryConfig controls connection registry refresh behavior
type RegistryConfig struct {
	// Source is "postgres" (central store) or "file" (watched YAML, dev only)
	Source          string
	FilePath        string
	RefreshInterval time.Duration
}

// HealthConfig controls per-connection health probing
type HealthConfig struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

// PoolConfig holds default pool sizing bounds; per-connection configs
// in the registry override these.
type PoolConfig struct {
	DefaultMinConns int
	DefaultMaxConns int
	AcquireTimeout  time.Duration
	MaxLifetime     time.Duration
	MaxIdleTime     time.Duration
	DrainTimeout    time.Duration
}

// CacheConfig holds TTL defaults and the L1 snapshot cache bound
type CacheConfig struct {
	SchemaTTL     time.Duration
	UserTTL       time.Duration
	PermissionTTL time.Duration
	L1MaxEntries  int
}

// IdentityConfig holds identity-provider verifier settings
type IdentityConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	ProviderTag  string
	// AdminTokenURL is the client-credentials token endpoint for
	// non-interactive administrative calls to the provider.
	AdminTokenURL string
	// AdminBaseURL is the management API root; defaults to the issuer.
	AdminBaseURL string
}

// SecretsConfig selects how connection credentials are decrypted
type SecretsConfig struct {
	// Mode is "local" (AES-GCM with KeyRef as a base64 key) or
	// "awssm" (KeyRef values are AWS Secrets Manager ARNs)
	Mode   string
	KeyRef string
	Region string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("LATTICE_HOST", "0.0.0.0"),
			HealthPort:      getEnv("LATTICE_HEALTH_PORT", "9090"),
			ReadTimeout:     getEnvDuration("LATTICE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("LATTICE_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvDuration("LATTICE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		ControlPlane: ControlPlaneConfig{
			PostgresURL:    getEnv("LATTICE_CONTROL_PLANE_URL", ""),
			ConnectionName: getEnv("LATTICE_CONTROL_PLANE_CONNECTION", "control-plane"),
			QueryTimeout:   getEnvDuration("LATTICE_QUERY_TIMEOUT", 5*time.Second),
			RetryBackoff:   getEnvDuration("LATTICE_RETRY_BACKOFF", 100*time.Millisecond),
		},
		Redis: RedisConfig{
			URL:        getEnv("LATTICE_REDIS_URL", "redis://localhost:6379"),
			Password:   getEnv("LATTICE_REDIS_PASSWORD", ""),
			DB:         getEnvInt("LATTICE_REDIS_DB", 0),
			MaxRetries: getEnvInt("LATTICE_REDIS_MAX_RETRIES", 3),
			PoolSize:   getEnvInt("LATTICE_REDIS_POOL_SIZE", 10),
		},
		Registry: RegistryConfig{
			Source:          getEnv("LATTICE_REGISTRY_SOURCE", "postgres"),
			FilePath:        getEnv("LATTICE_REGISTRY_FILE", ""),
			RefreshInterval: getEnvDuration("LATTICE_REGISTRY_REFRESH_INTERVAL", 30*time.Second),
		},
		Health: HealthConfig{
			ProbeInterval:    getEnvDuration("LATTICE_HEALTH_PROBE_INTERVAL", 10*time.Second),
			ProbeTimeout:     getEnvDuration("LATTICE_HEALTH_PROBE_TIMEOUT", 2*time.Second),
			FailureThreshold: getEnvInt("LATTICE_HEALTH_FAILURE_THRESHOLD", 3),
		},
		Pool: PoolConfig{
			DefaultMinConns: getEnvInt("LATTICE_POOL_MIN_CONNS", 2),
			DefaultMaxConns: getEnvInt("LATTICE_POOL_MAX_CONNS", 20),
			AcquireTimeout:  getEnvDuration("LATTICE_POOL_ACQUIRE_TIMEOUT", 5*time.Second),
			MaxLifetime:     getEnvDuration("LATTICE_POOL_MAX_LIFETIME", 30*time.Minute),
			MaxIdleTime:     getEnvDuration("LATTICE_POOL_MAX_IDLE_TIME", 5*time.Minute),
			DrainTimeout:    getEnvDuration("LATTICE_POOL_DRAIN_TIMEOUT", 30*time.Second),
		},
		Cache: CacheConfig{
			SchemaTTL:     getEnvDuration("LATTICE_CACHE_SCHEMA_TTL", 5*time.Minute),
			UserTTL:       getEnvDuration("LATTICE_CACHE_USER_TTL", 2*time.Minute),
			PermissionTTL: getEnvDuration("LATTICE_CACHE_PERMISSION_TTL", 60*time.Second),
			L1MaxEntries:  getEnvInt("LATTICE_CACHE_L1_MAX_ENTRIES", 10000),
		},
		Identity: IdentityConfig{
			IssuerURL:     getEnv("LATTICE_IDP_ISSUER_URL", ""),
			ClientID:      getEnv("LATTICE_IDP_CLIENT_ID", ""),
			ClientSecret:  getEnv("LATTICE_IDP_CLIENT_SECRET", ""),
			ProviderTag:   getEnv("LATTICE_IDP_PROVIDER_TAG", "oidc"),
			AdminTokenURL: getEnv("LATTICE_IDP_ADMIN_TOKEN_URL", ""),
			AdminBaseURL:  getEnv("LATTICE_IDP_ADMIN_BASE_URL", ""),
		},
		Secrets: SecretsConfig{
			Mode:   getEnv("LATTICE_SECRETS_MODE", "local"),
			KeyRef: getEnv("LATTICE_SECRETS_KEY", ""),
			Region: getEnv("LATTICE_SECRETS_AWS_REGION", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("LATTICE_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("LATTICE_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Registry.Source {
	case "postgres":
		if c.ControlPlane.PostgresURL == "" {
			return fmt.Errorf("control-plane URL is required for postgres registry source")
		}
	case "file":
		if c.Registry.FilePath == "" {
			return fmt.Errorf("registry file path is required for file registry source")
		}
	default:
		return fmt.Errorf("invalid registry source: %s (must be postgres or file)", c.Registry.Source)
	}

	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health failure threshold must be at least 1")
	}
	if c.Pool.DefaultMaxConns < c.Pool.DefaultMinConns {
		return fmt.Errorf("pool max conns must be >= min conns")
	}
	if c.Cache.L1MaxEntries < 1 {
		return fmt.Errorf("L1 cache must have a positive entry cap")
	}

	switch c.Secrets.Mode {
	case "local", "awssm":
	default:
		return fmt.Errorf("invalid secrets mode: %s (must be local or awssm)", c.Secrets.Mode)
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
