package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// retryInterval is how often a blocked Acquire re-attempts the advisory
// lock before its timeout elapses.
const retryInterval = 250 * time.Millisecond

// PostgresGate implements Gate with session advisory locks, so instances
// stay serialized across processes and hosts sharing one database. Lock
// names hash to bigint keys; the session holding the lock is pinned to a
// pooled connection until release.
type PostgresGate struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewPostgresGate connects to Postgres and returns a cross-process gate.
func NewPostgresGate(ctx context.Context, dsn string) (*PostgresGate, error) {
	if dsn == "" {
		return nil, fmt.Errorf("lock: postgres dsn cannot be empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for advisory locks: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping for advisory locks: %w", err)
	}
	return &PostgresGate{pool: pool, ownsPool: true}, nil
}

// NewPostgresGateFromPool wraps an existing pgx pool. The caller keeps
// ownership of the pool.
func NewPostgresGateFromPool(pool *pgxpool.Pool) (*PostgresGate, error) {
	if pool == nil {
		return nil, fmt.Errorf("lock: pool cannot be nil")
	}
	return &PostgresGate{pool: pool}, nil
}

// Acquire takes the named advisory lock, polling until timeout.
func (g *PostgresGate) Acquire(ctx context.Context, name string, timeout time.Duration) (func(), error) {
	if name == "" {
		return nil, fmt.Errorf("lock: name cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	key := advisoryKey(name)

	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pin session for lock %q: %w", name, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		var locked bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
			conn.Release()
			return nil, fmt.Errorf("failed to acquire lock %q: %w", name, err)
		}
		if locked {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			conn.Release()
			return nil, fmt.Errorf("lock %q: %w", name, ErrAlreadyRunning)
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var unlocked bool
			err := conn.QueryRow(unlockCtx, "SELECT pg_advisory_unlock($1)", key).Scan(&unlocked)
			if err != nil || !unlocked {
				// The session still holds the lock; close it instead of
				// returning it to the pool.
				_ = conn.Hijack().Close(unlockCtx)
				return
			}
			conn.Release()
		})
	}
	return release, nil
}

// Close closes the underlying pool when the gate owns it.
func (g *PostgresGate) Close() error {
	if g.ownsPool {
		g.pool.Close()
	}
	return nil
}

// advisoryKey folds a lock name into the bigint key space Postgres
// advisory locks use.
func advisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

var _ Gate = (*PostgresGate)(nil)
