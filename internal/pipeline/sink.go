package pipeline

import (
	"context"

	"github.com/Sternrassler/rtms-harvester/pkg/pagination"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/Sternrassler/rtms-harvester/pkg/transform"
)

// Loader is the part of store.Loader the pipeline writes through.
type Loader interface {
	BulkInsertLabeled(ctx context.Context, table string, columns []schema.Column, rows []schema.Row, labels []string, batchSize int) (store.BulkResult, error)
	TableExists(ctx context.Context, table string) (bool, error)
}

// sink transforms the items of resolved outcomes and loads them into one table.
type sink struct {
	loader    Loader
	schema    schema.FieldSchema
	conv      transform.Converter
	batchSize int
	summary   *Summary
}

// load writes the items of every fulfilled or partial outcome as one bulk
// insert, labelling each row with its fetch key. Only acquisition failures
// and cancellation are returned.
func (s *sink) load(ctx context.Context, outcomes []pagination.Outcome) (store.BulkResult, error) {
	var (
		rows   []schema.Row
		labels []string
	)
	for _, o := range outcomes {
		if len(o.Items) == 0 || o.Status == pagination.StatusRejected {
			continue
		}
		tuples := transform.Transform(o.Items, s.schema, s.conv)
		rows = append(rows, tuples...)
		label := o.Key.String()
		for range tuples {
			labels = append(labels, label)
		}
	}
	if len(rows) == 0 {
		return store.BulkResult{}, nil
	}

	batchSize := min(s.batchSize, len(rows))
	res, err := s.loader.BulkInsertLabeled(ctx, s.schema.Table(), s.schema.Columns(), rows, labels, batchSize)
	if s.summary != nil {
		s.summary.RecordLoad(s.schema.Table(), res)
	}
	return res, err
}

// items counts the records carried by outcomes.
func items(outcomes []pagination.Outcome) int {
	n := 0
	for _, o := range outcomes {
		n += len(o.Items)
	}
	return n
}
