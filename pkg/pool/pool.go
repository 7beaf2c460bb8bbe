package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/semaphore"

	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/registry"
)

// Opener creates the database handle for a connection config. The default
// opener dials Postgres; tests substitute their own.
type Opener func(cfg registry.ConnectionConfig) (*sql.DB, error)

// DefaultOpener opens a lib/pq backed handle with the config's pool bounds
// applied to the underlying sql.DB.
func DefaultOpener(cfg registry.ConnectionConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Name, err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	return db, nil
}

// pool is one live connection pool. The semaphore enforces the acquire bound
// independently of database/sql's own limits so that a caller waiting past
// AcquireTimeout gets a typed exhaustion error instead of an open-ended block.
type pool struct {
	cfg   registry.ConnectionConfig
	db    *sql.DB
	sem   *semaphore.Weighted
	inUse atomic.Int64

	drainOnce sync.Once
}

func newPool(cfg registry.ConnectionConfig, open Opener) (*pool, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &pool{
		cfg: cfg,
		db:  db,
		sem: semaphore.NewWeighted(int64(cfg.MaxConns)),
	}, nil
}

// acquire claims a slot and checks out a connection. A timeout while waiting
// for a slot is exhaustion; every other failure surfaces as-is.
func (p *pool) acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: waited %s at max size %d: %w",
				p.cfg.Name, timeout, p.cfg.MaxConns, fault.ErrPoolExhausted)
		}
		return nil, err
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("%s: checkout failed: %w", p.cfg.Name, err)
	}

	p.inUse.Add(1)
	return &Handle{conn: conn, pool: p}, nil
}

// drain closes the pool once all in-flight handles release, or at the drain
// deadline. Handles released after a forced close fail their conn close
// harmlessly.
func (p *pool) drain(timeout time.Duration, onClosed func()) {
	p.drainOnce.Do(func() {
		go func() {
			deadline := time.Now().Add(timeout)
			for p.inUse.Load() > 0 && time.Now().Before(deadline) {
				time.Sleep(50 * time.Millisecond)
			}
			_ = p.db.Close()
			if onClosed != nil {
				onClosed()
			}
		}()
	})
}

// Handle is one acquired connection. Release returns it exactly once; extra
// calls are no-ops.
type Handle struct {
	conn *sql.Conn
	pool *pool
	once sync.Once
}

// Conn exposes the checked-out connection.
func (h *Handle) Conn() *sql.Conn {
	return h.conn
}

// ConnectionName names the pool this handle came from. After a failover this
// is the backup's name, not the requested one.
func (h *Handle) ConnectionName() string {
	return h.pool.cfg.Name
}

// Release returns the connection and its slot to the pool.
func (h *Handle) Release() {
	h.once.Do(func() {
		_ = h.conn.Close()
		h.pool.inUse.Add(-1)
		h.pool.sem.Release(1)
	})
}
