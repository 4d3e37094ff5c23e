// Package transform maps raw RTMS records onto storage rows.
//
// A record first passes the source type's Converter, which strips thousand
// separators from currency fields, builds makeDealDate from the separate
// year/month/day fields and injects the building type discriminant. The
// converted record is then projected onto the FieldSchema in column order,
// coercing each value to its column kind. Both steps are pure.
package transform

import (
	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
)

// Converter derives storage fields from one raw record. It must not mutate its input.
type Converter func(client.RawRecord) map[string]any

// Transform converts and projects records onto fs. A nil conv projects the
// records unchanged. Fields not in fs are dropped; fields missing from a
// record are treated as empty strings before coercion.
func Transform(records []client.RawRecord, fs schema.FieldSchema, conv Converter) []schema.Row {
	if len(records) == 0 {
		return nil
	}

	columns := fs.Columns()
	rows := make([]schema.Row, 0, len(records))
	for _, rec := range records {
		var fields map[string]any = rec
		if conv != nil {
			fields = conv(rec)
		}

		row := make(schema.Row, len(columns))
		for i, col := range columns {
			v, ok := fields[col.Field]
			if !ok || v == nil {
				v = ""
			}
			row[i] = schema.Coerce(col.Kind, v)
		}
		rows = append(rows, row)
	}
	return rows
}
