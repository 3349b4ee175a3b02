// Package db provides the shared database connection pool used by the
// event-log and archive stores. Drivers are registered by the callers that
// open pools (see the eventlog package's driver-specific constructors).
package db

import (
	"context"
	"database/sql"
	"time"
)

// PoolConfig configures a database connection pool.
type PoolConfig struct {
	// DSN is the database connection string.
	DSN string

	// DriverName is the registered database/sql driver, e.g. "pgx",
	// "mysql" or "sqlite".
	DriverName string

	// MaxOpenConns caps open connections.
	MaxOpenConns int

	// MaxIdleConns caps idle connections kept for reuse.
	MaxIdleConns int

	// ConnMaxLifetime bounds how long a connection may be reused.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime bounds how long a connection may sit idle.
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the pool sizing the stores start from.
func DefaultPoolConfig(dsn string, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Pool wraps a *sql.DB configured from a PoolConfig.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// Error is a database configuration or state error with a
// machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewPool validates the configuration, opens the database and verifies
// the connection with a 5s ping before returning.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	}
	if config.DriverName == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "DriverName cannot be empty"}
	}
	if config.MaxOpenConns <= 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	}
	if config.MaxIdleConns < 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot be negative"}
	}
	if config.MaxIdleConns > config.MaxOpenConns {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot exceed MaxOpenConns"}
	}
	if config.ConnMaxLifetime < 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "ConnMaxLifetime cannot be negative"}
	}
	if config.ConnMaxIdleTime < 0 {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "ConnMaxIdleTime cannot be negative"}
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Pool{
		db:     db,
		config: config,
	}, nil
}

// DB returns the underlying *sql.DB. Panics on an uninitialized pool.
func (p *Pool) DB() *sql.DB {
	if p == nil || p.db == nil {
		panic("db: pool not initialized")
	}
	return p.db
}

// DriverName returns the driver the pool was opened with.
func (p *Pool) DriverName() string {
	return p.config.DriverName
}

// Close closes the connection pool.
func (p *Pool) Close() error {
	if p == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool cannot be nil"}
	}
	if p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool already closed"}
	}
	return p.db.Close()
}

// Ping tests the connection.
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

// BeginTx starts a transaction with the given options.
func (p *Pool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if p == nil || p.db == nil {
		return nil, &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.BeginTx(ctx, opts)
}
