package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// sqlBackend serves mysql and sqlite through database/sql.
type sqlBackend struct {
	db *sql.DB
}

func openSQL(ctx context.Context, cfg Config) (*sqlBackend, error) {
	driverName, dsn := string(cfg.Driver), cfg.DSN
	switch cfg.Driver {
	case DialectMySQL:
		if !strings.Contains(dsn, "parseTime=") {
			dsn += querySep(dsn) + "parseTime=true"
		}
	case DialectSQLite:
		// Waiting writers retry instead of failing with SQLITE_BUSY.
		if !strings.Contains(dsn, "busy_timeout") {
			dsn += querySep(dsn) + "_pragma=busy_timeout(5000)"
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(max(cfg.MinConns, 1))

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &sqlBackend{db: db}, nil
}

func querySep(dsn string) string {
	if strings.Contains(dsn, "?") {
		return "&"
	}
	return "?"
}

func (b *sqlBackend) acquire(ctx context.Context) (Conn, error) {
	c, err := b.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: c}, nil
}

func (b *sqlBackend) stats() (open, idle int) {
	s := b.db.Stats()
	return s.OpenConnections, s.Idle
}

func (b *sqlBackend) close() { _ = b.db.Close() }

type sqlConn struct {
	conn *sql.Conn
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlConn) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			// mysql returns text columns as bytes
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	return out, rows.Err()
}

func (c *sqlConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (c *sqlConn) Release() { _ = c.conn.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }
