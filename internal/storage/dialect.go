package storage

import (
	"fmt"
	"strings"
)

// Dialect is what differs between SQL backends.
type Dialect interface {
	Name() string
	// Quote quotes one identifier.
	Quote(ident string) string
	// Placeholder is the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// ColumnType maps a logical type (TypeText, TypeString) to SQL.
	ColumnType(logical string) string
	// PrimaryKeyDef is the column definition of pk, autoincrement for serial.
	PrimaryKeyDef(pk PrimaryKeySpec) string
	DropTableSQL(table string) string
	// TableExistsSQL takes the table name as its only parameter.
	TableExistsSQL() string
	IsUniqueViolation(err error) bool
	// MaxParams caps bind parameters per statement.
	MaxParams() int
	// MaxRowsPerInsert caps rows of one multi-row VALUES list.
	MaxRowsPerInsert() int
}

// CreateTableSQL renders the DDL of t for d.
func CreateTableSQL(d Dialect, t TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("%s: table name is empty", d.Name())
	}

	var parts []string
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return "", fmt.Errorf("%s: %s primary key name is empty", d.Name(), t.Name)
		}
		parts = append(parts, d.PrimaryKeyDef(*t.PrimaryKey))
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("%s: %s column name is empty", d.Name(), t.Name)
		}
		col := d.Quote(c.Name) + " " + d.ColumnType(c.Type)
		if c.Nullable != nil && !*c.Nullable {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		cols := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			cols[i] = d.Quote(c)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.Quote(t.Name), strings.Join(parts, ",\n  ")), nil
}

// InsertSQL renders a multi-row insert of n rows into table.
func InsertSQL(d Dialect, table string, columns []string, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Quote(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c))
	}
	b.WriteString(") VALUES ")

	p := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			p++
		}
		b.WriteString(")")
	}
	return b.String()
}

// Rebind rewrites `?` parameters to the dialect's form. Question marks inside
// quoted literals or identifiers are left alone.
func Rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var (
		b     strings.Builder
		n     = 1
		quote rune
	)
	for _, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
		case r == '?':
			b.WriteString(d.Placeholder(n))
			n++
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// QuoteDouble is ANSI identifier quoting, shared by sqlite and postgres.
func QuoteDouble(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
