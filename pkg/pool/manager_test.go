package pool

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/observability"
	"github.com/latticehq/lattice/pkg/registry"
)

func mockOpener(opens *int32) Opener {
	return func(cfg registry.ConnectionConfig) (*sql.DB, error) {
		if opens != nil {
			atomic.AddInt32(opens, 1)
		}
		db, _, err := sqlmock.New()
		return db, err
	}
}

func newTestManager(t *testing.T, opens *int32) *Manager {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewManager(mockOpener(opens), time.Second, time.Second, logger, nil)
}

func snapshot(configs ...registry.ConnectionConfig) *registry.Snapshot {
	snap := &registry.Snapshot{Connections: map[string]registry.ConnectionConfig{}}
	for _, c := range configs {
		c.Active = true
		snap.Connections[c.Name] = c
	}
	return snap
}

func baseConfig(name string) registry.ConnectionConfig {
	return registry.ConnectionConfig{
		Name:     name,
		Host:     "db.internal",
		Port:     5432,
		Database: "app",
		User:     "svc",
		MinConns: 1,
		MaxConns: 5,
		Region:   "eu-west-1",
	}
}

type staticHealth map[string]bool

func (h staticHealth) IsHealthy(name string) bool {
	healthy, ok := h[name]
	return !ok || healthy
}

func TestManager_AcquireRelease(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(baseConfig("primary"))); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	h, err := m.Acquire(context.Background(), "primary")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if h.Conn() == nil {
		t.Fatal("Handle has no connection")
	}
	if h.ConnectionName() != "primary" {
		t.Errorf("ConnectionName = %q", h.ConnectionName())
	}

	h.Release()
	h.Release() // second release is a no-op

	h2, err := m.Acquire(context.Background(), "primary")
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	h2.Release()
}

func TestManager_AcquireUnknownConnection(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Acquire(context.Background(), "ghost")
	if !errors.Is(err, fault.ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}
}

func TestManager_ExhaustionAtMaxSize(t *testing.T) {
	cfg := baseConfig("small")
	cfg.MaxConns = 1
	cfg.AcquireTimeout = 100 * time.Millisecond

	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(cfg)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	held, err := m.Acquire(context.Background(), "small")
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	defer held.Release()

	_, err = m.Acquire(context.Background(), "small")
	if !errors.Is(err, fault.ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
}

func TestManager_CancellationDuringAcquire(t *testing.T) {
	cfg := baseConfig("small")
	cfg.MaxConns = 1
	cfg.AcquireTimeout = 5 * time.Second

	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(cfg)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	held, err := m.Acquire(context.Background(), "small")
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = m.Acquire(ctx, "small")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	// The waiter must have returned its slot.
	held.Release()
	h, err := m.Acquire(context.Background(), "small")
	if err != nil {
		t.Fatalf("Acquire after cancelled wait failed: %v", err)
	}
	h.Release()
}

func TestManager_ConcurrentAcquireRespectsBound(t *testing.T) {
	cfg := baseConfig("bounded")
	cfg.MaxConns = 3
	cfg.AcquireTimeout = 5 * time.Second

	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(cfg)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	var inUse, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(context.Background(), "bounded")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			cur := atomic.AddInt64(&inUse, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inUse, -1)
			h.Release()
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt64(&peak); p > 3 {
		t.Errorf("Peak concurrent handles = %d, exceeds MaxConns 3", p)
	}
}

func TestManager_FailoverToHealthyBackup(t *testing.T) {
	primary := baseConfig("primary")
	primary.BackupName = "backup"
	backup := baseConfig("backup")

	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(primary, backup)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	m.SetHealth(staticHealth{"primary": false, "backup": true})

	h, err := m.Acquire(context.Background(), "primary")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer h.Release()

	if h.ConnectionName() != "backup" {
		t.Errorf("Handle came from %q, want backup", h.ConnectionName())
	}
}

func TestManager_NoFailoverAcrossRegions(t *testing.T) {
	primary := baseConfig("primary")
	primary.BackupName = "backup"
	backup := baseConfig("backup")
	backup.Region = "us-east-1"

	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(primary, backup)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	m.SetHealth(staticHealth{"primary": false, "backup": true})

	_, err := m.Acquire(context.Background(), "primary")
	if !errors.Is(err, fault.ErrPoolUnhealthy) {
		t.Errorf("Expected ErrPoolUnhealthy for cross-region backup, got %v", err)
	}
}

func TestManager_NoFailoverToUnhealthyBackup(t *testing.T) {
	primary := baseConfig("primary")
	primary.BackupName = "backup"
	backup := baseConfig("backup")

	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(primary, backup)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	m.SetHealth(staticHealth{"primary": false, "backup": false})

	_, err := m.Acquire(context.Background(), "primary")
	if !errors.Is(err, fault.ErrPoolUnhealthy) {
		t.Errorf("Expected ErrPoolUnhealthy, got %v", err)
	}
}

func TestManager_UnhealthyWithoutBackup(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(baseConfig("primary"))); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	m.SetHealth(staticHealth{"primary": false})

	_, err := m.Acquire(context.Background(), "primary")
	if !errors.Is(err, fault.ErrPoolUnhealthy) {
		t.Errorf("Expected ErrPoolUnhealthy, got %v", err)
	}
}

func TestManager_ReloadLeavesEquivalentPoolsAlone(t *testing.T) {
	var opens int32
	m := newTestManager(t, &opens)

	cfg := baseConfig("primary")
	if err := m.Reload(context.Background(), snapshot(cfg)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if atomic.LoadInt32(&opens) != 1 {
		t.Fatalf("Expected 1 open, got %d", opens)
	}

	// Non-material change: no new pool.
	cfg.Version = 2
	cfg.BackupName = "somewhere"
	if err := m.Reload(context.Background(), snapshot(cfg)); err != nil {
		t.Fatalf("Second reload failed: %v", err)
	}
	if atomic.LoadInt32(&opens) != 1 {
		t.Errorf("Non-material change reopened the pool (%d opens)", opens)
	}

	// Material change: swap.
	cfg.Password = "rotated"
	if err := m.Reload(context.Background(), snapshot(cfg)); err != nil {
		t.Fatalf("Third reload failed: %v", err)
	}
	if atomic.LoadInt32(&opens) != 2 {
		t.Errorf("Material change did not reopen the pool (%d opens)", opens)
	}
}

func TestManager_ConcurrentReloadSwapsOnce(t *testing.T) {
	var opens int32
	opener := func(cfg registry.ConnectionConfig) (*sql.DB, error) {
		atomic.AddInt32(&opens, 1)
		// Hold the open long enough for the reloads to overlap.
		time.Sleep(50 * time.Millisecond)
		db, _, err := sqlmock.New()
		return db, err
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	m := NewManager(opener, time.Second, time.Second, logger, nil)

	cfg := baseConfig("primary")
	if err := m.Reload(context.Background(), snapshot(cfg)); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	// Two refresh paths deliver the same rotated credentials at once. The
	// second reload must observe the first one's pool as equivalent instead
	// of installing a duplicate that nobody drains.
	cfg.Password = "rotated"
	rotated := snapshot(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Reload(context.Background(), rotated); err != nil {
				t.Errorf("Concurrent reload failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&opens); n != 2 {
		t.Errorf("Rotation opened %d pools in total, want 2 (initial plus one swap)", n)
	}
	if names := m.Names(); len(names) != 1 || names[0] != "primary" {
		t.Errorf("Expected a single live pool, got %v", names)
	}

	h, err := m.Acquire(context.Background(), "primary")
	if err != nil {
		t.Fatalf("Acquire after concurrent reload failed: %v", err)
	}
	h.Release()
}

func TestManager_ReloadRemovesDroppedConnections(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(baseConfig("a"), baseConfig("b"))); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if len(m.Names()) != 2 {
		t.Fatalf("Expected 2 pools, got %v", m.Names())
	}

	if err := m.Reload(context.Background(), snapshot(baseConfig("a"))); err != nil {
		t.Fatalf("Second reload failed: %v", err)
	}

	names := m.Names()
	if len(names) != 1 || names[0] != "a" {
		t.Errorf("Expected only pool 'a', got %v", names)
	}

	if _, err := m.Acquire(context.Background(), "b"); !errors.Is(err, fault.ErrConnectionNotFound) {
		t.Errorf("Removed pool still acquirable: %v", err)
	}
}

func TestManager_ReloadSurvivesOneBadConnection(t *testing.T) {
	calls := 0
	opener := func(cfg registry.ConnectionConfig) (*sql.DB, error) {
		calls++
		if cfg.Name == "bad" {
			return nil, errors.New("dns failure")
		}
		db, _, err := sqlmock.New()
		return db, err
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	m := NewManager(opener, time.Second, time.Second, logger, nil)

	err := m.Reload(context.Background(), snapshot(baseConfig("good"), baseConfig("bad")))
	if err == nil {
		t.Fatal("Expected reload to report the bad connection")
	}

	h, acquireErr := m.Acquire(context.Background(), "good")
	if acquireErr != nil {
		t.Fatalf("Good pool unusable after partial reload: %v", acquireErr)
	}
	h.Release()
}

func TestManager_Probe(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(baseConfig("primary"))); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if err := m.Probe(context.Background(), "primary"); err != nil {
		t.Errorf("Probe failed: %v", err)
	}
	if err := m.Probe(context.Background(), "ghost"); !errors.Is(err, fault.ErrConnectionNotFound) {
		t.Errorf("Probe of unknown pool: %v", err)
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Reload(context.Background(), snapshot(baseConfig("a"), baseConfig("b"))); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(m.Names()) != 0 {
		t.Errorf("Pools survived shutdown: %v", m.Names())
	}
}
