package eventlog

import (
	"context"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/machinaio/machina/pkg/db"
)

// NewSQLiteStore opens (or creates) a SQLite-backed store at path. The
// driver is pure Go, so the store works without cgo.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("eventlog: sqlite path cannot be empty")
	}

	cfg := db.DefaultPoolConfig(path, "sqlite")
	// modernc.org/sqlite serializes writers itself; a single connection
	// avoids SQLITE_BUSY churn under concurrent appends.
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1

	pool, err := db.NewPool(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := pool.DB().ExecContext(ctx, pragma); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	store, err := NewSQLStore(pool, DialectSQLite)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}
