package health

import (
	"context"
	"sync"
	"time"

	"github.com/latticehq/lattice/pkg/observability"
)

// State is the health classification of one connection.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Prober executes one health probe against a named connection.
type Prober interface {
	Probe(ctx context.Context, name string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, name string) error

func (f ProberFunc) Probe(ctx context.Context, name string) error {
	return f(ctx, name)
}

type tracker struct {
	state    State
	failures int
	lastErr  error
	lastAt   time.Time
}

// Monitor probes every known connection on a fixed interval and classifies
// each one. Demotion is gradual: failures accumulate through Degraded to
// Unhealthy once the consecutive-failure threshold is reached. Recovery is
// immediate: a single successful probe returns the connection to Healthy.
type Monitor struct {
	prober    Prober
	names     func() []string
	interval  time.Duration
	timeout   time.Duration
	threshold int

	mu       sync.RWMutex
	trackers map[string]*tracker

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewMonitor creates a monitor. names supplies the current connection set on
// each sweep, so connections added by a registry refresh get probed without
// restarting the monitor.
func NewMonitor(prober Prober, names func() []string, interval, timeout time.Duration, threshold int, logger *observability.Logger, metrics *observability.Metrics) *Monitor {
	return &Monitor{
		prober:    prober,
		names:     names,
		interval:  interval,
		timeout:   timeout,
		threshold: threshold,
		trackers:  map[string]*tracker{},
		logger:    logger.WithComponent("health"),
		metrics:   metrics,
	}
}

// State returns the current classification. Connections that have never been
// probed are Healthy; a new pool must be usable before its first sweep.
func (m *Monitor) State(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.trackers[name]; ok {
		return t.state
	}
	return StateHealthy
}

// IsHealthy reports whether the connection is eligible to serve traffic or
// act as a failover target.
func (m *Monitor) IsHealthy(name string) bool {
	return m.State(name) == StateHealthy
}

// LastError returns the most recent probe error for a connection, or nil.
func (m *Monitor) LastError(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.trackers[name]; ok {
		return t.lastErr
	}
	return nil
}

// States returns a copy of all current classifications.
func (m *Monitor) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.trackers))
	for name, t := range m.trackers {
		out[name] = t.state
	}
	return out
}

// Start runs probe sweeps until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every current connection once, concurrently.
func (m *Monitor) ProbeAll(ctx context.Context) {
	names := m.names()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			m.record(name, m.prober.Probe(probeCtx, name))
		}(name)
	}
	wg.Wait()

	m.pruneRemoved(names)
}

// record applies one probe result to the state machine.
func (m *Monitor) record(name string, err error) {
	m.mu.Lock()
	t, ok := m.trackers[name]
	if !ok {
		t = &tracker{state: StateHealthy}
		m.trackers[name] = t
	}

	prev := t.state
	t.lastAt = time.Now()
	t.lastErr = err

	if err == nil {
		t.failures = 0
		t.state = StateHealthy
	} else {
		t.failures++
		if t.failures >= m.threshold {
			t.state = StateUnhealthy
		} else {
			t.state = StateDegraded
		}
	}
	state := t.state
	failures := t.failures
	m.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
	}
	if m.metrics != nil {
		m.metrics.ProbesTotal.WithLabelValues(name, result).Inc()
		m.metrics.HealthState.WithLabelValues(name).Set(float64(state))
	}

	if state != prev {
		if m.metrics != nil {
			m.metrics.StateFlipsTotal.WithLabelValues(name, state.String()).Inc()
		}
		entry := m.logger.WithFields(map[string]interface{}{
			"connection": name,
			"from":       prev.String(),
			"to":         state.String(),
			"failures":   failures,
		})
		if state == StateHealthy {
			entry.Info("Connection recovered")
		} else {
			entry.WithError(err).Warn("Connection health degraded")
		}
	}
}

// pruneRemoved drops trackers for connections no longer in the registry.
func (m *Monitor) pruneRemoved(current []string) {
	keep := make(map[string]struct{}, len(current))
	for _, name := range current {
		keep[name] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.trackers {
		if _, ok := keep[name]; !ok {
			delete(m.trackers, name)
			if m.metrics != nil {
				m.metrics.HealthState.DeleteLabelValues(name)
			}
		}
	}
}
