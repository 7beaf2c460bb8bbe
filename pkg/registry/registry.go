package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/observability"
)

// Snapshot is one immutable view of the registry. Lookups on a snapshot are
// lock-free; a snapshot is never mutated after installation.
type Snapshot struct {
	Connections map[string]ConnectionConfig
	Tenants     map[string]Tenant
	LoadedAt    time.Time

	schemaOnce  sync.Once
	schemaIndex map[string]string
}

// Connection looks up a connection config by name.
func (s *Snapshot) Connection(name string) (ConnectionConfig, bool) {
	c, ok := s.Connections[name]
	return c, ok
}

// Tenant looks up a tenant by id.
func (s *Snapshot) Tenant(id string) (Tenant, bool) {
	t, ok := s.Tenants[id]
	return t, ok
}

// ConnectionForSchema maps a tenant schema to its connection name without
// scanning the tenant directory. The index is built once per snapshot.
func (s *Snapshot) ConnectionForSchema(schemaName string) (string, bool) {
	s.schemaOnce.Do(func() {
		s.schemaIndex = make(map[string]string, len(s.Tenants))
		for _, t := range s.Tenants {
			s.schemaIndex[t.SchemaName] = t.ConnectionName
		}
	})
	name, ok := s.schemaIndex[schemaName]
	return name, ok
}

// Source loads registry contents from the central store (or a watched file).
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// SwapHook runs after a new snapshot is installed. Hooks must be fast; pool
// reloads triggered from a hook should do their heavy lifting asynchronously.
type SwapHook func(old, new *Snapshot)

// Registry owns the current snapshot and its refresh lifecycle.
type Registry struct {
	source  Source
	snap    atomic.Pointer[Snapshot]
	backoff time.Duration

	refreshMu sync.Mutex
	hooksMu   sync.Mutex
	hooks     []SwapHook

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a registry with an empty initial snapshot. Call Refresh before
// serving traffic.
func New(source Source, backoff time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	r := &Registry{
		source:  source,
		backoff: backoff,
		logger:  logger.WithComponent("registry"),
		metrics: metrics,
	}
	r.snap.Store(&Snapshot{
		Connections: map[string]ConnectionConfig{},
		Tenants:     map[string]Tenant{},
	})
	return r
}

// Current returns the live snapshot. Callers hold it for the duration of one
// operation; it stays valid after a concurrent refresh.
func (r *Registry) Current() *Snapshot {
	return r.snap.Load()
}

// Connection resolves a connection config from the current snapshot.
func (r *Registry) Connection(name string) (ConnectionConfig, error) {
	if c, ok := r.Current().Connection(name); ok {
		return c, nil
	}
	return ConnectionConfig{}, fmt.Errorf("%q: %w", name, fault.ErrConnectionNotFound)
}

// TenantByID resolves a tenant from the current snapshot. On a miss it
// refreshes once so that freshly-onboarded tenants resolve without waiting
// for the next scheduled refresh.
func (r *Registry) TenantByID(ctx context.Context, id string) (*Tenant, error) {
	if t, ok := r.Current().Tenant(id); ok {
		return &t, nil
	}

	if err := r.Refresh(ctx); err != nil {
		return nil, fault.Undetermined("tenant lookup", err)
	}

	if t, ok := r.Current().Tenant(id); ok {
		return &t, nil
	}
	return nil, fmt.Errorf("%q: %w", id, fault.ErrTenantNotFound)
}

// OnSwap registers a hook invoked after every successful refresh that
// installed a new snapshot.
func (r *Registry) OnSwap(hook SwapHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Refresh reloads the registry from its source and atomically installs the
// new snapshot. Concurrent refreshes are serialized; readers are never
// blocked. Transient load failures are retried once.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	var snap *Snapshot
	err := fault.RetryOnce(ctx, r.backoff, func(ctx context.Context) error {
		var loadErr error
		snap, loadErr = r.source.Load(ctx)
		return loadErr
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.RegistryRefreshTotal.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("registry refresh failed: %w", err)
	}

	snap.LoadedAt = time.Now()
	old := r.snap.Swap(snap)

	if r.metrics != nil {
		r.metrics.RegistryRefreshTotal.WithLabelValues("ok").Inc()
		r.metrics.RegistryConnections.Set(float64(len(snap.Connections)))
		r.metrics.RegistryTenants.Set(float64(len(snap.Tenants)))
		r.metrics.RegistrySnapshotEpoch.Set(float64(snap.LoadedAt.Unix()))
	}

	r.logger.WithFields(map[string]interface{}{
		"connections": len(snap.Connections),
		"tenants":     len(snap.Tenants),
	}).Debug("Registry snapshot installed")

	r.hooksMu.Lock()
	hooks := r.hooks
	r.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(old, snap)
	}

	return nil
}

// StartPeriodicRefresh schedules background refreshes at the given interval.
// The returned cron is stopped by the caller at shutdown.
func (r *Registry) StartPeriodicRefresh(interval time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.logger.WithError(err).Warn("Periodic registry refresh failed; keeping previous snapshot")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule registry refresh: %w", err)
	}
	c.Start()
	return c, nil
}
