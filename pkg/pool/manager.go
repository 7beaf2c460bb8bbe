package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/observability"
	"github.com/latticehq/lattice/pkg/registry"
)

// HealthChecker reports whether a connection may serve traffic. The pool
// manager never probes on its own; classification belongs to the monitor.
type HealthChecker interface {
	IsHealthy(name string) bool
}

// Manager owns one pool per connection name and keeps them aligned with the
// registry snapshot via Reload.
type Manager struct {
	opener         Opener
	acquireTimeout time.Duration
	drainTimeout   time.Duration

	// reloadMu serializes pool membership changes. Acquire and Probe stay
	// on mu and are never blocked by a reload in progress.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	pools   map[string]*pool
	configs map[string]registry.ConnectionConfig
	health  HealthChecker

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewManager creates an empty manager. acquireTimeout applies to configs
// that do not set their own.
func NewManager(opener Opener, acquireTimeout, drainTimeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if opener == nil {
		opener = DefaultOpener
	}
	return &Manager{
		opener:         opener,
		acquireTimeout: acquireTimeout,
		drainTimeout:   drainTimeout,
		pools:          map[string]*pool{},
		configs:        map[string]registry.ConnectionConfig{},
		logger:         logger.WithComponent("pool"),
		metrics:        metrics,
	}
}

// SetHealth attaches the health monitor. Without one every pool is assumed
// healthy.
func (m *Manager) SetHealth(h HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

// Names lists the connections with live pools.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	return names
}

// Probe pings one pool's database directly, bypassing the acquire bound so a
// saturated pool still answers health probes.
func (m *Manager) Probe(ctx context.Context, name string) error {
	m.mu.RLock()
	p, ok := m.pools[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, fault.ErrConnectionNotFound)
	}
	return p.db.PingContext(ctx)
}

// Acquire checks out a connection from the named pool. If the primary is not
// healthy, the config's same-region backup serves the request instead,
// provided it is healthy itself.
func (m *Manager) Acquire(ctx context.Context, name string) (*Handle, error) {
	m.mu.RLock()
	p, ok := m.pools[name]
	cfg := m.configs[name]
	health := m.health
	m.mu.RUnlock()

	if !ok {
		m.countAcquire(name, "not_found")
		return nil, fmt.Errorf("%q: %w", name, fault.ErrConnectionNotFound)
	}

	target, targetName := p, name
	if health != nil && !health.IsHealthy(name) {
		backup, backupName, err := m.failoverTarget(cfg, health)
		if err != nil {
			m.countAcquire(name, "unhealthy")
			return nil, err
		}
		target, targetName = backup, backupName
		if m.metrics != nil {
			m.metrics.PoolFailoversTotal.WithLabelValues(name, backupName).Inc()
		}
		m.logger.WithFields(map[string]interface{}{
			"connection": name,
			"backup":     backupName,
		}).Warn("Primary unhealthy; acquiring from backup")
	}

	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = m.acquireTimeout
	}

	start := time.Now()
	handle, err := target.acquire(ctx, timeout)
	if err != nil {
		if errors.Is(err, fault.ErrPoolExhausted) {
			m.countAcquire(targetName, "exhausted")
			if m.metrics != nil {
				m.metrics.PoolExhaustedTotal.WithLabelValues(targetName).Inc()
			}
		} else {
			m.countAcquire(targetName, "error")
		}
		return nil, err
	}

	m.countAcquire(targetName, "ok")
	if m.metrics != nil {
		m.metrics.PoolAcquireLatency.WithLabelValues(targetName).Observe(time.Since(start).Seconds())
		m.metrics.PoolInUse.WithLabelValues(targetName).Set(float64(target.inUse.Load()))
	}
	return handle, nil
}

// failoverTarget picks the backup pool for an unhealthy primary. Only a
// healthy backup in the same region qualifies.
func (m *Manager) failoverTarget(cfg registry.ConnectionConfig, health HealthChecker) (*pool, string, error) {
	if cfg.BackupName == "" {
		return nil, "", fmt.Errorf("%q has no backup: %w", cfg.Name, fault.ErrPoolUnhealthy)
	}

	m.mu.RLock()
	backup, ok := m.pools[cfg.BackupName]
	backupCfg := m.configs[cfg.BackupName]
	m.mu.RUnlock()

	if !ok {
		return nil, "", fmt.Errorf("%q backup %q not registered: %w", cfg.Name, cfg.BackupName, fault.ErrPoolUnhealthy)
	}
	if backupCfg.Region != cfg.Region {
		return nil, "", fmt.Errorf("%q backup %q is cross-region: %w", cfg.Name, cfg.BackupName, fault.ErrPoolUnhealthy)
	}
	if !health.IsHealthy(cfg.BackupName) {
		return nil, "", fmt.Errorf("%q and backup %q both unavailable: %w", cfg.Name, cfg.BackupName, fault.ErrPoolUnhealthy)
	}
	return backup, cfg.BackupName, nil
}

// Reload aligns pools with a registry snapshot. Materially-changed configs
// get a fresh pool installed before the old one drains; unchanged pools are
// left alone; pools for removed connections drain and close. A single bad
// connection never blocks the rest of the reload.
func (m *Manager) Reload(ctx context.Context, snap *registry.Snapshot) error {
	// One writer at a time: overlapping reloads (cron refresh racing a
	// file-watch refresh) must not both install a pool for the same name,
	// or the loser's pool leaks without a drain.
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	var errs []error

	for name, cfg := range snap.Connections {
		if !cfg.Active {
			continue
		}

		m.mu.RLock()
		existing, ok := m.pools[name]
		m.mu.RUnlock()

		if ok && existing.cfg.PoolEquivalent(cfg) {
			m.mu.Lock()
			m.configs[name] = cfg
			m.mu.Unlock()
			continue
		}

		fresh, err := newPool(cfg, m.opener)
		if err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", name, err))
			m.logger.WithError(err).WithField("connection", name).Error("Failed to open pool; keeping previous")
			continue
		}

		m.mu.Lock()
		m.pools[name] = fresh
		m.configs[name] = cfg
		m.mu.Unlock()

		if ok {
			if m.metrics != nil {
				m.metrics.PoolSwapsTotal.WithLabelValues(name).Inc()
			}
			m.logger.WithField("connection", cfg.Redacted()).Info("Pool swapped; draining previous")
			existing.drain(m.drainTimeout, nil)
		} else {
			m.logger.WithField("connection", cfg.Redacted()).Info("Pool opened")
		}
	}

	m.mu.Lock()
	var removed []*pool
	for name := range m.pools {
		if _, ok := snap.Connections[name]; !ok {
			removed = append(removed, m.pools[name])
			delete(m.pools, name)
			delete(m.configs, name)
			m.logger.WithField("connection", name).Info("Pool removed; draining")
		}
	}
	m.mu.Unlock()
	for _, p := range removed {
		p.drain(m.drainTimeout, nil)
	}

	return errors.Join(errs...)
}

// Shutdown closes every pool. In-flight handles get until ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	m.mu.Lock()
	pools := m.pools
	m.pools = map[string]*pool{}
	m.configs = map[string]registry.ConnectionConfig{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		p.drain(m.drainTimeout, wg.Done)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) countAcquire(name, status string) {
	if m.metrics != nil {
		m.metrics.PoolAcquiresTotal.WithLabelValues(name, status).Inc()
	}
}
