// Package store loads transformed rows into the relational store.
//
// All database access goes through a bounded Pool: at most MaxConns
// connections are in use, at most QueueMax callers wait for one and no
// caller waits longer than QueueTimeout. Each connection is held for exactly
// one statement or one insert transaction.
//
// Three backends are supported:
//   - postgres: jackc/pgx pgxpool (default)
//   - mysql: go-sql-driver/mysql over database/sql
//   - sqlite: modernc.org/sqlite over database/sql (local runs and tests)
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rtmsRowsInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_rows_inserted_total",
		Help: "Rows committed to the store by table",
	}, []string{"table"})

	rtmsRowFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_row_failures_total",
		Help: "Rows that failed to insert after batch fallback, by table",
	}, []string{"table"})

	rtmsBatchFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_batch_fallbacks_total",
		Help: "Batches that fell back to row-by-row inserts, by table",
	}, []string{"table"})

	rtmsPoolAcquireFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtms_pool_acquire_failures_total",
		Help: "Failed connection acquisitions by reason (queue_full, timeout, canceled, backend)",
	}, []string{"reason"})

	rtmsPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtms_pool_in_use",
		Help: "Connections currently acquired from the pool",
	})
)

var (
	// ErrAcquire is the root of all connection acquisition failures.
	ErrAcquire = errors.New("acquire connection")

	// ErrQueueFull is returned when QueueMax callers are already waiting.
	ErrQueueFull = fmt.Errorf("%w: wait queue full", ErrAcquire)

	// ErrAcquireTimeout is returned when no connection frees up within QueueTimeout.
	ErrAcquireTimeout = fmt.Errorf("%w: queue timeout", ErrAcquire)

	// ErrTableNotAllowed is returned for tables outside the allow-list.
	ErrTableNotAllowed = errors.New("table not allowed")

	// ErrInvalidIdentifier is returned for column names that are not plain identifiers.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrNoColumns is returned when an operation that needs columns gets none.
	ErrNoColumns = errors.New("no columns")

	// ErrUnknownDriver is returned by Open for unsupported drivers.
	ErrUnknownDriver = errors.New("unknown store driver")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool closed")
)

// Config holds pool configuration.
type Config struct {
	// Driver selects the backend: postgres, mysql or sqlite.
	Driver Dialect `mapstructure:"driver"`

	// DSN is passed to the backend unchanged (sqlite: file path).
	DSN string `mapstructure:"dsn"`

	// MaxConns bounds the connections in use at the same time.
	MaxConns int `mapstructure:"max_conns"`

	// MinConns is kept open by the backend when it supports it.
	MinConns int `mapstructure:"min_conns"`

	// QueueMax bounds the callers waiting for a connection.
	QueueMax int `mapstructure:"queue_max"`

	// QueueTimeout bounds the wait of one caller.
	QueueTimeout time.Duration `mapstructure:"queue_timeout"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Driver:       DialectPostgres,
		MaxConns:     10,
		MinConns:     2,
		QueueMax:     100,
		QueueTimeout: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		c.MinConns = 0
	}
	if c.QueueMax <= 0 {
		c.QueueMax = d.QueueMax
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	return c
}

// Conn is one acquired connection. Release must be called exactly once.
type Conn interface {
	// Exec runs a statement outside a transaction and returns the affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Query returns all result rows, values in select-list order.
	Query(ctx context.Context, query string, args ...any) ([][]any, error)

	// Begin starts a transaction on this connection.
	Begin(ctx context.Context) (Tx, error)

	// Release returns the connection to the pool.
	Release()
}

// Tx is a transaction bound to one connection.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Stats is a snapshot of pool usage.
type Stats struct {
	MaxConns  int
	InUse     int
	Idle      int
	Open      int
	Waiting   int
	QueueMax  int
	Acquired  int64
	Timeouts  int64
	QueueFull int64
}

// backend is the driver-specific side of a Pool.
type backend interface {
	acquire(ctx context.Context) (Conn, error)
	stats() (open, idle int)
	close()
}

// Open connects to the configured backend and returns a bounded pool.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	var (
		b   backend
		err error
	)
	switch cfg.Driver {
	case DialectPostgres:
		b, err = openPostgres(ctx, cfg)
	case DialectMySQL, DialectSQLite:
		b, err = openSQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}

	return newPool(b, cfg), nil
}
