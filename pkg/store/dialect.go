package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Sternrassler/rtms-harvester/pkg/schema"
)

// Dialect names an SQL dialect and its driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifier.MatchString(n) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
	}
	return nil
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// maxParams is the bind parameter limit of one statement.
func (d Dialect) maxParams() int {
	if d == DialectSQLite {
		return 32766
	}
	return 65535
}

// insertSQL renders one multi-row insert and its flattened arguments.
func (d Dialect) insertSQL(table string, columns []schema.Column, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name)
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	n := 1
	for r, row := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i := range columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.placeholder(n))
			n++
		}
		b.WriteByte(')')
		args = append(args, row...)
	}
	return b.String(), args
}

func (d Dialect) selectSQL(table string, columns []string) string {
	return "SELECT " + strings.Join(columns, ", ") + " FROM " + table
}

func (d Dialect) tableExistsSQL() string {
	switch d {
	case DialectPostgres:
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND UPPER(table_name) = $1"
	case DialectMySQL:
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND UPPER(table_name) = ?"
	default:
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND UPPER(name) = ?"
	}
}

func (d Dialect) createTableSQL(table string, columns []schema.Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(table)
	b.WriteString(" (\n\tID ")
	switch d {
	case DialectPostgres:
		b.WriteString("BIGSERIAL PRIMARY KEY")
	case DialectMySQL:
		b.WriteString("BIGINT AUTO_INCREMENT PRIMARY KEY")
	default:
		b.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	for _, c := range columns {
		b.WriteString(",\n\t")
		b.WriteString(c.Name)
		b.WriteByte(' ')
		b.WriteString(d.columnType(c))
	}
	b.WriteString("\n)")
	return b.String()
}

func (d Dialect) columnType(c schema.Column) string {
	switch c.Kind {
	case schema.KindNumber:
		if d == DialectSQLite {
			return "REAL"
		}
		return "DOUBLE PRECISION"
	case schema.KindDate:
		return "DATE"
	default:
		if c.MaxSize > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.MaxSize)
		}
		return "TEXT"
	}
}
