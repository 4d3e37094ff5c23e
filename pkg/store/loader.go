package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Sternrassler/rtms-harvester/pkg/logging"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBatchSize is the bulk insert batch size when none is given.
const DefaultBatchSize = 1000

// AllowList is the set of tables the loader may touch.
type AllowList map[string]struct{}

// NewAllowList builds an allow-list. Table names are case-insensitive.
func NewAllowList(tables ...string) AllowList {
	a := make(AllowList, len(tables))
	for _, t := range tables {
		a[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return a
}

// Contains reports whether table is allowed.
func (a AllowList) Contains(table string) bool {
	_, ok := a[strings.ToUpper(table)]
	return ok
}

// Tables returns the allowed tables, sorted.
func (a AllowList) Tables() []string {
	out := make([]string, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// BulkResult summarizes one BulkInsert call.
type BulkResult struct {
	Inserted int
	Batches  int
	Failed   int
}

// Add folds r into the receiver.
func (b *BulkResult) Add(r BulkResult) {
	b.Inserted += r.Inserted
	b.Batches += r.Batches
	b.Failed += r.Failed
}

// Loader runs the load operations against an allow-listed set of tables.
type Loader struct {
	pool    *Pool
	allowed AllowList
	logger  zerolog.Logger
}

// NewLoader creates a loader over pool.
func NewLoader(pool *Pool, allowed AllowList) *Loader {
	return &Loader{
		pool:    pool,
		allowed: allowed,
		logger:  log.With().Str("component", "loader").Logger(),
	}
}

// Pool returns the underlying pool.
func (l *Loader) Pool() *Pool { return l.pool }

func (l *Loader) check(table string, columns ...string) error {
	if !l.allowed.Contains(table) {
		return fmt.Errorf("%w: %q", ErrTableNotAllowed, table)
	}
	if err := checkIdentifiers(table); err != nil {
		return err
	}
	return checkIdentifiers(columns...)
}

// checkColumns is check for operations that read or write at least one column.
func (l *Loader) checkColumns(table string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("%w: %q", ErrNoColumns, table)
	}
	return l.check(table, columns...)
}

func columnNames(columns []schema.Column) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}

// withConn acquires a connection for the duration of fn.
func (l *Loader) withConn(ctx context.Context, fn func(Conn) error) error {
	c, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	return fn(c)
}

// Insert writes rows in one transaction on one connection. Every value is
// bound against its column before any SQL is sent; the transaction is rolled
// back on any error.
func (l *Loader) Insert(ctx context.Context, table string, columns []schema.Column, rows []schema.Row) (int, error) {
	if err := l.checkColumns(table, columnNames(columns)); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	bound := make([][]any, len(rows))
	for i, row := range rows {
		values, err := schema.BindRow(columns, row)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		bound[i] = values
	}

	perStatement := max(l.pool.dialect.maxParams()/len(columns), 1)

	var inserted int64
	err := l.withConn(ctx, func(c Conn) error {
		tx, err := c.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}

		for start := 0; start < len(bound); start += perStatement {
			end := min(start+perStatement, len(bound))
			query, args := l.pool.dialect.insertSQL(table, columns, bound[start:end])
			n, err := tx.Exec(ctx, query, args...)
			if err != nil {
				rollback(ctx, tx)
				return fmt.Errorf("insert into %s: %w", table, err)
			}
			inserted += n
		}

		if err := tx.Commit(ctx); err != nil {
			rollback(ctx, tx)
			return fmt.Errorf("commit %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	rtmsRowsInsertedTotal.WithLabelValues(table).Add(float64(inserted))
	return int(inserted), nil
}

func rollback(ctx context.Context, tx Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		log.Debug().Err(err).Msg("Rollback failed")
	}
}

// BulkInsert inserts rows in sequential batches with independent commits.
// A failed batch is retried row by row; rows that still fail are logged and
// counted. Only acquisition failures and cancellation are returned as errors.
func (l *Loader) BulkInsert(ctx context.Context, table string, columns []schema.Column, rows []schema.Row, batchSize int) (BulkResult, error) {
	return l.BulkInsertLabeled(ctx, table, columns, rows, nil, batchSize)
}

// BulkInsertLabeled is BulkInsert with a label per row (usually the fetch key)
// that is logged when the row fails. labels is ignored unless it has one
// entry per row.
func (l *Loader) BulkInsertLabeled(ctx context.Context, table string, columns []schema.Column, rows []schema.Row, labels []string, batchSize int) (BulkResult, error) {
	var res BulkResult
	if err := l.checkColumns(table, columnNames(columns)); err != nil {
		return res, err
	}

	logger := logging.FromContext(ctx, l.logger).With().Str("table", table).Logger()
	if len(rows) == 0 {
		logger.Debug().Msg("No rows to insert")
		return res, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if len(labels) != len(rows) {
		labels = nil
	}

	batches := (len(rows) + batchSize - 1) / batchSize
	logger.Info().
		Int("rows", len(rows)).
		Int("batches", batches).
		Int("batch_size", batchSize).
		Msg("Bulk insert started")

	for b := 0; b < batches; b++ {
		start := b * batchSize
		end := min(start+batchSize, len(rows))
		res.Batches++

		n, err := l.Insert(ctx, table, columns, rows[start:end])
		if err == nil {
			res.Inserted += n
			logger.Info().Int("batch", b+1).Int("rows", n).Msg("Batch inserted")
			continue
		}
		if abortsLoad(err) {
			return res, err
		}

		rtmsBatchFallbacksTotal.WithLabelValues(table).Inc()
		logger.Warn().Err(err).Int("batch", b+1).Int("rows", end-start).Msg("Batch failed, inserting row by row")

		for i := start; i < end; i++ {
			n, err := l.Insert(ctx, table, columns, rows[i:i+1])
			if err == nil {
				res.Inserted += n
				continue
			}
			if abortsLoad(err) {
				return res, err
			}

			res.Failed++
			rtmsRowFailuresTotal.WithLabelValues(table).Inc()
			event := logger.Error().Err(err).Int("row", i)
			if labels != nil {
				event = event.Str("fetch_key", labels[i])
			}
			var be *schema.BindError
			if errors.As(err, &be) {
				event = event.Str("column", be.Column)
			}
			event.Msg("Row insert failed")
		}
	}

	logger.Info().
		Int("inserted", res.Inserted).
		Int("failed", res.Failed).
		Int("batches", res.Batches).
		Msg("Bulk insert finished")
	return res, nil
}

// abortsLoad reports errors no row-level retry can fix.
func abortsLoad(err error) bool {
	return errors.Is(err, ErrAcquire) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Select returns every row of table as column name to value maps.
func (l *Loader) Select(ctx context.Context, table string, columns []string) ([]map[string]any, error) {
	if err := l.checkColumns(table, columns); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("select %s: no columns", table)
	}

	var rows [][]any
	err := l.withConn(ctx, func(c Conn) error {
		var err error
		rows, err = c.Query(ctx, l.pool.dialect.selectSQL(table, columns))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	out := make([]map[string]any, len(rows))
	for i, values := range rows {
		m := make(map[string]any, len(columns))
		for j, col := range columns {
			if j < len(values) {
				m[col] = values[j]
			}
		}
		out[i] = m
	}
	return out, nil
}

// DeleteAll removes every row of table and returns the number removed.
func (l *Loader) DeleteAll(ctx context.Context, table string) (int64, error) {
	if err := l.check(table); err != nil {
		return 0, err
	}

	var n int64
	err := l.withConn(ctx, func(c Conn) error {
		var err error
		n, err = c.Exec(ctx, "DELETE FROM "+table)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}

	l.logger.Info().Str("table", table).Int64("rows", n).Msg("Table cleared")
	return n, nil
}

// TableExists reports whether table exists in the store.
func (l *Loader) TableExists(ctx context.Context, table string) (bool, error) {
	if err := l.check(table); err != nil {
		return false, err
	}

	var rows [][]any
	err := l.withConn(ctx, func(c Conn) error {
		var err error
		rows, err = c.Query(ctx, l.pool.dialect.tableExistsSQL(), strings.ToUpper(table))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return false, nil
	}
	return toInt64(rows[0][0]) > 0, nil
}

// CreateTable creates the table of fs with a surrogate ID key unless it exists.
func (l *Loader) CreateTable(ctx context.Context, fs schema.FieldSchema) error {
	if err := l.checkColumns(fs.Table(), fs.ColumnNames()); err != nil {
		return err
	}

	err := l.withConn(ctx, func(c Conn) error {
		_, err := c.Exec(ctx, l.pool.dialect.createTableSQL(fs.Table(), fs.Columns()))
		return err
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", fs.Table(), err)
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var i int64
		_, _ = fmt.Sscan(n, &i)
		return i
	default:
		return 0
	}
}
