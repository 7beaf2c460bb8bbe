package registry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/observability"
)

type stubSource struct {
	mu    sync.Mutex
	snaps []*Snapshot
	errs  []error
	calls int
}

func (s *stubSource) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.snaps) {
		return s.snaps[i], nil
	}
	return s.snaps[len(s.snaps)-1], nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func snapshotWith(conns []ConnectionConfig, tenants []Tenant) *Snapshot {
	snap := &Snapshot{
		Connections: map[string]ConnectionConfig{},
		Tenants:     map[string]Tenant{},
	}
	for _, c := range conns {
		snap.Connections[c.Name] = c
	}
	for _, t := range tenants {
		snap.Tenants[t.ID] = t
	}
	return snap
}

func TestRegistry_RefreshInstallsSnapshot(t *testing.T) {
	source := &stubSource{snaps: []*Snapshot{
		snapshotWith(
			[]ConnectionConfig{{Name: "eu-west-1-shared", Region: "eu-west-1"}},
			[]Tenant{{ID: "t-acme", SchemaName: "tenant_acme", ConnectionName: "eu-west-1-shared", Status: TenantActive}},
		),
	}}

	r := New(source, time.Millisecond, testLogger(), nil)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	cfg, err := r.Connection("eu-west-1-shared")
	if err != nil {
		t.Fatalf("Connection lookup failed: %v", err)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("Unexpected region: %s", cfg.Region)
	}
}

func TestRegistry_UnknownConnection(t *testing.T) {
	r := New(&stubSource{snaps: []*Snapshot{snapshotWith(nil, nil)}}, time.Millisecond, testLogger(), nil)

	_, err := r.Connection("nope")
	if !errors.Is(err, fault.ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}
}

func TestRegistry_RefreshRetriesTransientFailure(t *testing.T) {
	source := &stubSource{
		errs:  []error{errors.New("store unreachable"), nil},
		snaps: []*Snapshot{nil, snapshotWith([]ConnectionConfig{{Name: "a"}}, nil)},
	}

	r := New(source, time.Millisecond, testLogger(), nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh should succeed on retry: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("Expected exactly 2 load attempts, got %d", source.calls)
	}
}

func TestRegistry_FailedRefreshKeepsOldSnapshot(t *testing.T) {
	source := &stubSource{
		snaps: []*Snapshot{snapshotWith([]ConnectionConfig{{Name: "a"}}, nil)},
	}
	r := New(source, time.Millisecond, testLogger(), nil)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("First refresh failed: %v", err)
	}

	source.mu.Lock()
	source.errs = []error{nil, errors.New("down"), errors.New("down")}
	source.calls = 1
	source.mu.Unlock()

	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("Expected refresh to fail")
	}

	if _, err := r.Connection("a"); err != nil {
		t.Errorf("Old snapshot must remain readable after a failed refresh: %v", err)
	}
}

func TestRegistry_TenantByID_RefreshOnMiss(t *testing.T) {
	first := snapshotWith(nil, nil)
	second := snapshotWith(nil, []Tenant{{ID: "t-new", SchemaName: "tenant_new", Status: TenantActive}})
	source := &stubSource{snaps: []*Snapshot{first, second}}

	r := New(source, time.Millisecond, testLogger(), nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	tenant, err := r.TenantByID(context.Background(), "t-new")
	if err != nil {
		t.Fatalf("TenantByID failed: %v", err)
	}
	if tenant.SchemaName != "tenant_new" {
		t.Errorf("Unexpected schema: %s", tenant.SchemaName)
	}
}

func TestRegistry_TenantByID_NotFound(t *testing.T) {
	source := &stubSource{snaps: []*Snapshot{snapshotWith(nil, nil)}}
	r := New(source, time.Millisecond, testLogger(), nil)
	_ = r.Refresh(context.Background())

	_, err := r.TenantByID(context.Background(), "ghost")
	if !errors.Is(err, fault.ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func TestRegistry_SwapHookObservesBothSnapshots(t *testing.T) {
	first := snapshotWith([]ConnectionConfig{{Name: "a", Version: 1}}, nil)
	second := snapshotWith([]ConnectionConfig{{Name: "a", Version: 2}}, nil)
	source := &stubSource{snaps: []*Snapshot{first, second}}

	r := New(source, time.Millisecond, testLogger(), nil)

	var gotOldVersion, gotNewVersion int
	r.OnSwap(func(old, new *Snapshot) {
		if c, ok := old.Connection("a"); ok {
			gotOldVersion = c.Version
		}
		if c, ok := new.Connection("a"); ok {
			gotNewVersion = c.Version
		}
	})

	_ = r.Refresh(context.Background())
	_ = r.Refresh(context.Background())

	if gotOldVersion != 1 || gotNewVersion != 2 {
		t.Errorf("Hook saw versions old=%d new=%d, want 1 and 2", gotOldVersion, gotNewVersion)
	}
}

func TestRegistry_ConcurrentReadsDuringRefresh(t *testing.T) {
	snaps := make([]*Snapshot, 50)
	for i := range snaps {
		snaps[i] = snapshotWith([]ConnectionConfig{{Name: "a", Version: i}}, nil)
	}
	source := &stubSource{snaps: snaps}
	r := New(source, time.Millisecond, testLogger(), nil)
	_ = r.Refresh(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			_ = r.Refresh(context.Background())
		}
	}()

	// Readers must always see a complete snapshot.
	for i := 0; i < 1000; i++ {
		snap := r.Current()
		if snap.Connections == nil {
			t.Fatal("Observed a nil connection map mid-refresh")
		}
	}
	<-done
}

func TestSnapshot_ConnectionForSchema(t *testing.T) {
	snap := &Snapshot{
		Tenants: map[string]Tenant{
			"t-acme":   {ID: "t-acme", SchemaName: "tenant_acme", ConnectionName: "eu-shared"},
			"t-globex": {ID: "t-globex", SchemaName: "tenant_globex", ConnectionName: "us-shared"},
		},
	}

	if name, ok := snap.ConnectionForSchema("tenant_acme"); !ok || name != "eu-shared" {
		t.Errorf("ConnectionForSchema(tenant_acme) = %q, %v", name, ok)
	}
	if name, ok := snap.ConnectionForSchema("tenant_globex"); !ok || name != "us-shared" {
		t.Errorf("ConnectionForSchema(tenant_globex) = %q, %v", name, ok)
	}
	if _, ok := snap.ConnectionForSchema("tenant_ghost"); ok {
		t.Error("Unknown schema resolved to a connection")
	}

	// Concurrent lookups share one index build.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if name, ok := snap.ConnectionForSchema("tenant_acme"); !ok || name != "eu-shared" {
				t.Errorf("Concurrent lookup = %q, %v", name, ok)
			}
		}()
	}
	wg.Wait()
}

func TestConnectionConfig_PoolEquivalent(t *testing.T) {
	base := ConnectionConfig{
		Name: "eu", Host: "db1", Port: 5432, Database: "app", User: "svc",
		Password: "p", MinConns: 2, MaxConns: 10,
	}

	same := base
	same.Region = "somewhere-else"
	same.BackupName = "eu-backup"
	same.Version = 9
	if !base.PoolEquivalent(same) {
		t.Error("Region/backup/version changes must not force a pool swap")
	}

	rotated := base
	rotated.Password = "rotated"
	if base.PoolEquivalent(rotated) {
		t.Error("Credential rotation must force a pool swap")
	}

	resized := base
	resized.MaxConns = 50
	if base.PoolEquivalent(resized) {
		t.Error("Size bound changes must force a pool swap")
	}
}

func TestConnectionConfig_RedactedOmitsPassword(t *testing.T) {
	c := ConnectionConfig{
		Name: "eu", Host: "db1", Port: 5432, Database: "app", User: "svc",
		Password: "super-secret",
	}

	redacted := c.Redacted()
	if redacted == "" {
		t.Fatal("Redacted returned empty string")
	}
	if containsSubstring(redacted, "super-secret") {
		t.Error("Redacted description leaked the password")
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
