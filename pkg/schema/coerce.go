package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// dateLayouts are accepted for DATE columns arriving as strings.
var dateLayouts = []string{"2006-01-02", "20060102", time.RFC3339}

// Coerce normalizes v to the representation expected for kind.
//
//   - NUMBER: non-empty strings are parsed, empty strings become nil.
//   - STRING: numbers are stringified.
//   - DATE: date strings are parsed, empty strings become nil.
//
// Values that cannot be converted are returned unchanged so that Bind reports
// them against the offending column.
func Coerce(kind Kind, v any) any {
	switch kind {
	case KindNumber:
		return coerceNumber(v)
	case KindString:
		return coerceString(v)
	case KindDate:
		return coerceDate(v)
	default:
		return v
	}
}

func coerceNumber(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return n
		}
		return f
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return string(n)
		}
		return f
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return v
	}
}

func coerceString(v any) any {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return v
	}
}

func coerceDate(v any) any {
	switch d := v.(type) {
	case nil:
		return nil
	case time.Time:
		return d
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return d
	default:
		return v
	}
}

// BindError reports a value that cannot be bound to its column.
type BindError struct {
	Column string
	Kind   Kind
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("bind column %s (%s): %s (value %v)", e.Column, e.Kind, e.Reason, e.Value)
}

// Bind checks v against the column's kind and size. nil is always accepted;
// nullability is the store's concern.
func Bind(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch col.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, &BindError{Column: col.Name, Kind: col.Kind, Value: v, Reason: fmt.Sprintf("expected string, got %T", v)}
		}
		if col.MaxSize > 0 && utf8.RuneCountInString(s) > col.MaxSize {
			return nil, &BindError{Column: col.Name, Kind: col.Kind, Value: s,
				Reason: fmt.Sprintf("length %d exceeds max size %d", utf8.RuneCountInString(s), col.MaxSize)}
		}
		return s, nil
	case KindNumber:
		f, ok := v.(float64)
		if !ok {
			return nil, &BindError{Column: col.Name, Kind: col.Kind, Value: v, Reason: fmt.Sprintf("expected number, got %T", v)}
		}
		return f, nil
	case KindDate:
		t, ok := v.(time.Time)
		if !ok {
			return nil, &BindError{Column: col.Name, Kind: col.Kind, Value: v, Reason: fmt.Sprintf("expected date, got %T", v)}
		}
		return t, nil
	default:
		return nil, &BindError{Column: col.Name, Kind: col.Kind, Value: v, Reason: "unknown column kind"}
	}
}

// BindRow binds every value of row against columns, in order.
func BindRow(columns []Column, row Row) ([]any, error) {
	if len(row) != len(columns) {
		return nil, fmt.Errorf("row has %d values for %d columns", len(row), len(columns))
	}
	out := make([]any, len(row))
	for i, col := range columns {
		v, err := Bind(col, row[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
