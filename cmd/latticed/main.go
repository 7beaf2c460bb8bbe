package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/latticehq/lattice/pkg/cache"
	"github.com/latticehq/lattice/pkg/config"
	"github.com/latticehq/lattice/pkg/health"
	"github.com/latticehq/lattice/pkg/identity"
	"github.com/latticehq/lattice/pkg/observability"
	"github.com/latticehq/lattice/pkg/permission"
	"github.com/latticehq/lattice/pkg/pool"
	"github.com/latticehq/lattice/pkg/registry"
	"github.com/latticehq/lattice/pkg/schema"
	"github.com/latticehq/lattice/pkg/secrets"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "latticed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting lattice platform core")

	var promRegistry *prometheus.Registry
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		promRegistry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(promRegistry)
	} else {
		promRegistry = prometheus.NewRegistry()
		metrics = observability.NewNopMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decrypter, err := newDecrypter(ctx, cfg)
	if err != nil {
		return err
	}

	// The cache is a performance layer: if Redis is down at boot the core
	// starts anyway and every resolution goes to the stores.
	var redisClient *cache.Client
	redisClient, err = cache.NewClient(cache.Options{
		URL:        cfg.Redis.URL,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		MaxRetries: cfg.Redis.MaxRetries,
		PoolSize:   cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable; running without distributed cache")
		redisClient = nil
	}

	var controlPlaneDB *sql.DB
	var source registry.Source
	switch cfg.Registry.Source {
	case "postgres":
		controlPlaneDB, err = sql.Open("postgres", cfg.ControlPlane.PostgresURL)
		if err != nil {
			return fmt.Errorf("failed to open control-plane store: %w", err)
		}
		source = registry.NewPostgresSource(controlPlaneDB, decrypter, cfg.ControlPlane.QueryTimeout)
	case "file":
		source = registry.NewFileSource(cfg.Registry.FilePath, decrypter)
	}

	reg := registry.New(source, cfg.ControlPlane.RetryBackoff, logger, metrics)

	bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
	defer bootCancel()
	if err := reg.Refresh(bootCtx); err != nil {
		return fmt.Errorf("initial registry load failed: %w", err)
	}

	pools := pool.NewManager(pool.DefaultOpener, cfg.Pool.AcquireTimeout, cfg.Pool.DrainTimeout, logger, metrics)
	if err := pools.Reload(bootCtx, reg.Current()); err != nil {
		logger.WithError(err).Warn("Some pools failed to open at boot")
	}
	reg.OnSwap(func(old, new *registry.Snapshot) {
		go func() {
			reloadCtx, reloadCancel := context.WithTimeout(ctx, time.Minute)
			defer reloadCancel()
			if err := pools.Reload(reloadCtx, new); err != nil {
				logger.WithError(err).Error("Pool reload after registry swap failed")
			}
		}()
	})

	monitor := health.NewMonitor(pools, pools.Names,
		cfg.Health.ProbeInterval, cfg.Health.ProbeTimeout, cfg.Health.FailureThreshold,
		logger, metrics)
	pools.SetHealth(monitor)
	go monitor.Start(ctx)

	refreshCron, err := reg.StartPeriodicRefresh(cfg.Registry.RefreshInterval)
	if err != nil {
		return err
	}

	if fileSource, ok := source.(*registry.FileSource); ok {
		go func() {
			err := fileSource.Watch(ctx, func() {
				watchCtx, watchCancel := context.WithTimeout(ctx, 30*time.Second)
				defer watchCancel()
				if err := reg.Refresh(watchCtx); err != nil {
					logger.WithError(err).Warn("Registry refresh after file change failed")
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Registry file watch stopped")
			}
		}()
	}

	schemas := schema.NewResolver(reg, redisClient, cfg.Cache.SchemaTTL, logger, metrics)

	var verifier identity.TokenVerifier
	if cfg.Identity.IssuerURL != "" {
		verifier, err = identity.NewOIDCVerifier(bootCtx, cfg.Identity.IssuerURL, cfg.Identity.ClientID, cfg.Identity.ProviderTag)
		if err != nil {
			return fmt.Errorf("identity provider setup failed: %w", err)
		}
	}

	identities := identity.NewResolver(
		&identity.Store{},
		&tenantSessions{
			registry:     reg,
			pools:        pools,
			schemas:      schemas,
			controlPlane: cfg.ControlPlane.ConnectionName,
		},
		verifier,
		redisClient,
		cfg.Cache.UserTTL,
		cfg.ControlPlane.RetryBackoff,
		logger,
		metrics,
	)

	if cfg.Identity.AdminTokenURL != "" {
		adminBase := cfg.Identity.AdminBaseURL
		if adminBase == "" {
			adminBase = cfg.Identity.IssuerURL
		}
		identities.SetProfiles(identity.NewAdminClient(ctx,
			cfg.Identity.AdminTokenURL, cfg.Identity.ClientID, cfg.Identity.ClientSecret, adminBase))
	}

	permissions := permission.NewEngine(
		&permission.Store{},
		&schemaSessions{
			registry:     reg,
			pools:        pools,
			controlPlane: cfg.ControlPlane.ConnectionName,
		},
		redisClient,
		cache.NewLocal(cfg.Cache.L1MaxEntries, cfg.Cache.PermissionTTL),
		cfg.Cache.PermissionTTL,
		cfg.ControlPlane.RetryBackoff,
		logger,
		metrics,
	)

	checker := observability.NewHealthChecker(controlPlaneDB, rawRedis(redisClient))

	c := &core{
		identity:    identities,
		permissions: permissions,
		monitor:     monitor,
		checker:     checker,
		logger:      logger,
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      newRouter(c, promRegistry),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		cancel()
		refreshCron.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(pools.Shutdown)
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	if controlPlaneDB != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return controlPlaneDB.Close()
		})
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("Operational endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}

func rawRedis(c *cache.Client) *redis.Client {
	if c == nil {
		return nil
	}
	return c.Redis()
}

func newDecrypter(ctx context.Context, cfg *config.Config) (secrets.Decrypter, error) {
	switch cfg.Secrets.Mode {
	case "awssm":
		return secrets.NewSecretsManager(ctx, cfg.Secrets.Region, "", "")
	default:
		if cfg.Secrets.KeyRef == "" {
			return nil, fmt.Errorf("LATTICE_SECRETS_KEY is required in local secrets mode")
		}
		return secrets.NewAESGCM(cfg.Secrets.KeyRef)
	}
}
