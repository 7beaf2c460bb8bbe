package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the platform core
type Metrics struct {
	// Pool metrics
	PoolAcquiresTotal  *prometheus.CounterVec
	PoolAcquireLatency *prometheus.HistogramVec
	PoolInUse          *prometheus.GaugeVec
	PoolExhaustedTotal *prometheus.CounterVec
	PoolFailoversTotal *prometheus.CounterVec
	PoolSwapsTotal     *prometheus.CounterVec

	// Health probe metrics
	ProbesTotal     *prometheus.CounterVec
	HealthState     *prometheus.GaugeVec
	StateFlipsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheInvalidated *prometheus.CounterVec

	// Resolution metrics
	SchemaResolutions   *prometheus.CounterVec
	IdentityResolutions *prometheus.CounterVec
	PermissionChecks    *prometheus.CounterVec
	PermissionLatency   *prometheus.HistogramVec

	// Registry metrics
	RegistryRefreshTotal  *prometheus.CounterVec
	RegistryConnections   prometheus.Gauge
	RegistryTenants       prometheus.Gauge
	RegistrySnapshotEpoch prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PoolAcquiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_pool_acquires_total",
				Help: "Total number of pool acquisition attempts",
			},
			[]string{"connection", "status"},
		),
		PoolAcquireLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_pool_acquire_duration_seconds",
				Help:    "Pool acquisition latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"connection"},
		),
		PoolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lattice_pool_in_use",
				Help: "Number of handles currently acquired per pool",
			},
			[]string{"connection"},
		),
		PoolExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_pool_exhausted_total",
				Help: "Total number of acquisitions that timed out at max size",
			},
			[]string{"connection"},
		),
		PoolFailoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_pool_failovers_total",
				Help: "Total number of acquisitions redirected to a backup connection",
			},
			[]string{"connection", "backup"},
		),
		PoolSwapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_pool_swaps_total",
				Help: "Total number of hot pool swaps on configuration change",
			},
			[]string{"connection"},
		),

		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_health_probes_total",
				Help: "Total number of health probes",
			},
			[]string{"connection", "result"},
		),
		HealthState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lattice_health_state",
				Help: "Connection health state (0=healthy, 1=degraded, 2=unhealthy)",
			},
			[]string{"connection"},
		),
		StateFlipsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_health_state_flips_total",
				Help: "Total number of health state transitions",
			},
			[]string{"connection", "to"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"kind", "layer"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"kind", "layer"},
		),
		CacheInvalidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_cache_invalidations_total",
				Help: "Total number of explicit cache invalidations",
			},
			[]string{"kind"},
		),

		SchemaResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_schema_resolutions_total",
				Help: "Total number of tenant schema resolutions",
			},
			[]string{"status"},
		),
		IdentityResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_identity_resolutions_total",
				Help: "Total number of identity resolutions",
			},
			[]string{"matched_by", "status"},
		),
		PermissionChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"outcome"},
		),
		PermissionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_permission_check_duration_seconds",
				Help:    "Permission check latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"source"},
		),

		RegistryRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_registry_refreshes_total",
				Help: "Total number of connection registry refreshes",
			},
			[]string{"status"},
		),
		RegistryConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lattice_registry_connections",
				Help: "Number of connection configs in the current snapshot",
			},
		),
		RegistryTenants: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lattice_registry_tenants",
				Help: "Number of tenants in the current snapshot",
			},
		),
		RegistrySnapshotEpoch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lattice_registry_snapshot_epoch",
				Help: "Unix timestamp of the last successful registry refresh",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.PoolAcquiresTotal,
			m.PoolAcquireLatency,
			m.PoolInUse,
			m.PoolExhaustedTotal,
			m.PoolFailoversTotal,
			m.PoolSwapsTotal,
			m.ProbesTotal,
			m.HealthState,
			m.StateFlipsTotal,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheInvalidated,
			m.SchemaResolutions,
			m.IdentityResolutions,
			m.PermissionChecks,
			m.PermissionLatency,
			m.RegistryRefreshTotal,
			m.RegistryConnections,
			m.RegistryTenants,
			m.RegistrySnapshotEpoch,
		)
	}

	return m
}

// NewNopMetrics creates unregistered metrics for tests and optional wiring.
func NewNopMetrics() *Metrics {
	return NewMetrics(nil)
}
