// Package schema defines the declarative field mapping between upstream API
// records and storage columns.
//
// A FieldSchema is an ordered list of columns. The order is the positional
// binding order of every Row produced for the schema, so it is fixed at
// construction time and never re-derived from a map.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the scalar kind of a storage column.
type Kind string

const (
	// KindString binds as a bounded character column.
	KindString Kind = "STRING"

	// KindNumber binds as a numeric column.
	KindNumber Kind = "NUMBER"

	// KindDate binds as a date column.
	KindDate Kind = "DATE"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindDate:
		return true
	default:
		return false
	}
}

// Column maps one source field to one storage column.
type Column struct {
	// Field is the key in the (converted) source record.
	Field string `mapstructure:"field" json:"field"`

	// Name is the storage column name.
	Name string `mapstructure:"column" json:"column"`

	// Kind is the scalar kind used for coercion and binding.
	Kind Kind `mapstructure:"type" json:"type"`

	// MaxSize is the maximum length in characters for STRING columns (0 = unbounded).
	MaxSize int `mapstructure:"max_size" json:"max_size,omitempty"`
}

// Row is one storage tuple, positioned by FieldSchema column order.
type Row []any

// ErrInvalidSchema is returned when a schema definition is rejected.
var ErrInvalidSchema = errors.New("invalid field schema")

// FieldSchema is the immutable, ordered mapping for one source type.
type FieldSchema struct {
	table   string
	columns []Column
	index   map[string]int
}

// New validates and builds a FieldSchema. The column slice is copied.
func New(table string, columns ...Column) (FieldSchema, error) {
	if strings.TrimSpace(table) == "" {
		return FieldSchema{}, fmt.Errorf("%w: table name is required", ErrInvalidSchema)
	}
	if len(columns) == 0 {
		return FieldSchema{}, fmt.Errorf("%w: %s has no columns", ErrInvalidSchema, table)
	}

	cols := make([]Column, len(columns))
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		c.Kind = Kind(strings.ToUpper(string(c.Kind)))
		switch {
		case c.Field == "":
			return FieldSchema{}, fmt.Errorf("%w: %s column %d has no field", ErrInvalidSchema, table, i)
		case c.Name == "":
			return FieldSchema{}, fmt.Errorf("%w: %s field %q has no column name", ErrInvalidSchema, table, c.Field)
		case !c.Kind.Valid():
			return FieldSchema{}, fmt.Errorf("%w: %s field %q has unknown type %q", ErrInvalidSchema, table, c.Field, c.Kind)
		case c.MaxSize < 0:
			return FieldSchema{}, fmt.Errorf("%w: %s field %q has negative max size", ErrInvalidSchema, table, c.Field)
		}
		if _, dup := index[c.Field]; dup {
			return FieldSchema{}, fmt.Errorf("%w: %s field %q defined twice", ErrInvalidSchema, table, c.Field)
		}
		index[c.Field] = i
		cols[i] = c
	}

	return FieldSchema{table: table, columns: cols, index: index}, nil
}

// MustNew is like New but panics on an invalid definition. Used for built-in schemas.
func MustNew(table string, columns ...Column) FieldSchema {
	s, err := New(table, columns...)
	if err != nil {
		panic(err)
	}
	return s
}

// Table returns the storage table name.
func (s FieldSchema) Table() string { return s.table }

// Len returns the number of columns.
func (s FieldSchema) Len() int { return len(s.columns) }

// Columns returns a copy of the ordered columns.
func (s FieldSchema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Fields returns the ordered source field names.
func (s FieldSchema) Fields() []string {
	out := make([]string, len(s.columns))
	for i, c := range s.columns {
		out[i] = c.Field
	}
	return out
}

// ColumnNames returns the ordered storage column names.
func (s FieldSchema) ColumnNames() []string {
	out := make([]string, len(s.columns))
	for i, c := range s.columns {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of field, or -1.
func (s FieldSchema) Index(field string) int {
	if i, ok := s.index[field]; ok {
		return i
	}
	return -1
}

// Has reports whether field is mapped.
func (s FieldSchema) Has(field string) bool {
	_, ok := s.index[field]
	return ok
}
