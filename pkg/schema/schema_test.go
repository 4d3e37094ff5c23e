package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		columns []Column
		wantErr bool
	}{
		{
			name:    "valid",
			table:   "T",
			columns: []Column{{Field: "a", Name: "A", Kind: KindString, MaxSize: 10}},
		},
		{
			name:    "lowercase kind normalized",
			table:   "T",
			columns: []Column{{Field: "a", Name: "A", Kind: "number"}},
		},
		{name: "empty table", table: " ", columns: []Column{{Field: "a", Name: "A", Kind: KindString}}, wantErr: true},
		{name: "no columns", table: "T", wantErr: true},
		{name: "missing field", table: "T", columns: []Column{{Name: "A", Kind: KindString}}, wantErr: true},
		{name: "missing column name", table: "T", columns: []Column{{Field: "a", Kind: KindString}}, wantErr: true},
		{name: "unknown kind", table: "T", columns: []Column{{Field: "a", Name: "A", Kind: "BLOB"}}, wantErr: true},
		{name: "negative size", table: "T", columns: []Column{{Field: "a", Name: "A", Kind: KindString, MaxSize: -1}}, wantErr: true},
		{
			name:  "duplicate field",
			table: "T",
			columns: []Column{
				{Field: "a", Name: "A", Kind: KindString},
				{Field: "a", Name: "B", Kind: KindString},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.table, tt.columns...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSchema) {
				t.Errorf("error should wrap ErrInvalidSchema, got %v", err)
			}
		})
	}
}

func TestFieldSchema_OrderIsStable(t *testing.T) {
	fields := Dandok.Fields()
	want := []string{
		"buildingType", "sggCd", "umdNm", "totalFloorAr", "floor", "buildYear",
		"deposit", "monthlyRent", "makeDealDate", "jibun", "buildingName", "houseType",
	}
	if len(fields) != len(want) {
		t.Fatalf("len = %d, want %d", len(fields), len(want))
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field[%d] = %q, want %q", i, fields[i], want[i])
		}
		if Dandok.Index(want[i]) != i {
			t.Errorf("Index(%q) = %d, want %d", want[i], Dandok.Index(want[i]), i)
		}
	}
	if Dandok.Index("missing") != -1 {
		t.Error("Index of an unmapped field should be -1")
	}
}

func TestFieldSchema_ColumnsIsCopy(t *testing.T) {
	cols := RegionCd.Columns()
	cols[0].Name = "MUTATED"

	if RegionCd.ColumnNames()[0] != "SIDO_CD" {
		t.Error("mutating Columns() result must not affect the schema")
	}
}

func TestBuiltin(t *testing.T) {
	tests := []struct {
		source string
		table  string
		ok     bool
	}{
		{"regionCd", TableRegionCd, true},
		{"dandok", TableBuilding, true},
		{"yeonlip", TableBuilding, true},
		{"officeHotel", TableOfficeHotel, true},
		{"apartment", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			s, ok := Builtin(tt.source)
			if ok != tt.ok {
				t.Fatalf("Builtin(%q) ok = %v, want %v", tt.source, ok, tt.ok)
			}
			if ok && s.Table() != tt.table {
				t.Errorf("Table() = %q, want %q", s.Table(), tt.table)
			}
		})
	}

	// dandok and yeonlip bind to the same column list.
	if strings.Join(Dandok.ColumnNames(), ",") != strings.Join(Yeonlip.ColumnNames(), ",") {
		t.Error("dandok and yeonlip must share the BUILDING column order")
	}
}

func TestCoerce(t *testing.T) {
	date := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		kind Kind
		in   any
		want any
	}{
		{"number from string", KindNumber, "1234", float64(1234)},
		{"number from padded string", KindNumber, " 55.5 ", 55.5},
		{"number from empty string", KindNumber, "", nil},
		{"number from nil", KindNumber, nil, nil},
		{"number from int", KindNumber, 7, float64(7)},
		{"number from json.Number", KindNumber, json.Number("12"), float64(12)},
		{"number unparseable kept", KindNumber, "abc", "abc"},
		{"string from number", KindString, float64(5), "5"},
		{"string from fractional", KindString, 84.97, "84.97"},
		{"string from int", KindString, 5, "5"},
		{"string from nil", KindString, nil, ""},
		{"string kept", KindString, "역삼동", "역삼동"},
		{"date from dashed", KindDate, "2023-11-05", date},
		{"date from compact", KindDate, "20231105", date},
		{"date from empty", KindDate, "", nil},
		{"date kept", KindDate, date, date},
		{"date unparseable kept", KindDate, "not-a-date", "not-a-date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Coerce(tt.kind, tt.in)
			if gt, ok := got.(time.Time); ok {
				wt, ok := tt.want.(time.Time)
				if !ok || !gt.Equal(wt) {
					t.Errorf("Coerce() = %v, want %v", got, tt.want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Coerce() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBind(t *testing.T) {
	name := Column{Field: "umdNm", Name: "UMDNM", Kind: KindString, MaxSize: 3}
	num := Column{Field: "deposit", Name: "DEPOSIT", Kind: KindNumber}
	day := Column{Field: "makeDealDate", Name: "DEALDATE", Kind: KindDate}

	tests := []struct {
		name    string
		col     Column
		value   any
		wantErr bool
	}{
		{"string within size", name, "역삼동", false},
		{"string too long", name, "역삼1동", true},
		{"string type mismatch", name, 12.0, true},
		{"number", num, 12.0, false},
		{"number type mismatch", num, "12a", true},
		{"date", day, time.Now(), false},
		{"date type mismatch", day, "2023-13-01", true},
		{"nil accepted", num, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bind(tt.col, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Bind() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var be *BindError
			if !errors.As(err, &be) {
				t.Fatalf("expected *BindError, got %T", err)
			}
			if be.Column != tt.col.Name {
				t.Errorf("BindError.Column = %q, want %q", be.Column, tt.col.Name)
			}
		})
	}
}

func TestBindRow_LengthMismatch(t *testing.T) {
	cols := RegionCd.Columns()
	if _, err := BindRow(cols, Row{"11"}); err == nil {
		t.Error("expected error for short row")
	}

	row := Row{"11", "110", "000", "서울특별시 종로구", 37.57, 126.97}
	out, err := BindRow(cols, row)
	if err != nil {
		t.Fatalf("BindRow() error = %v", err)
	}
	if len(out) != len(cols) {
		t.Errorf("len = %d, want %d", len(out), len(cols))
	}
}
