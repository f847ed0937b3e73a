package storage

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Store is the local relational store of one run.
//
// Concurrency:
//   - Backends may limit the pool to one connection (sqlite does). Callers
//     must close a *sql.Rows before issuing the next statement.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, d Dialect) *Store { return &Store{db: db, dialect: d} }

func (s *Store) DB() *sql.DB            { return s.db }
func (s *Store) Dialect() Dialect       { return s.dialect }
func (s *Store) Quote(id string) string { return s.dialect.Quote(id) }
func (s *Store) Close() error           { return s.db.Close() }

// Exec runs q after rewriting `?` parameters for the dialect.
func (s *Store) Exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, Rebind(s.dialect, q), args...)
}

// Query runs q after rewriting `?` parameters for the dialect.
func (s *Store) Query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, Rebind(s.dialect, q), args...)
}

// QueryStrings runs q and returns every row as strings. NULL becomes nil.
func (s *Store) QueryStrings(ctx context.Context, q string, args ...any) ([][]*string, error) {
	rows, err := s.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]*string
	for rows.Next() {
		row, err := ScanStrings(rows, len(cols))
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ScanStrings scans the current row into n nullable strings.
func ScanStrings(rows *sql.Rows, n int) ([]*string, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make([]*string, n)
	for i, v := range vals {
		if v == nil {
			continue
		}
		s := Stringify(v)
		out[i] = &s
	}
	return out, nil
}

// Stringify renders a scanned value as text without trimming it.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(v)
	}
}

// CreateTable creates t. It fails when the table exists.
func (s *Store) CreateTable(ctx context.Context, t TableSpec) error {
	ddl, err := CreateTableSQL(s.dialect, t)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// EnsureTable creates t unless a table of that name exists.
func (s *Store) EnsureTable(ctx context.Context, t TableSpec) error {
	ok, err := s.TableExists(ctx, t.Name)
	if err != nil || ok {
		return err
	}
	return s.CreateTable(ctx, t)
}

// ResetTable drops and recreates t.
func (s *Store) ResetTable(ctx context.Context, t TableSpec) error {
	if err := s.DropTable(ctx, t.Name); err != nil {
		return err
	}
	return s.CreateTable(ctx, t)
}

// DropTable drops name if it exists.
func (s *Store) DropTable(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.DropTableSQL(name)); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}

// TableExists reports whether name exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.TableExistsSQL(), name).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

// Columns lists the columns of table in declaration order.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1=0", s.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()
	return rows.Columns()
}

// InsertRows inserts rows in one transaction using multi-row inserts, split
// to respect the dialect's parameter and row limits.
//
// Errors:
//   - Any statement error rolls the whole call back. Unique violations can be
//     detected with the dialect's IsUniqueViolation.
func (s *Store) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := tx.InsertRows(ctx, table, columns, rows)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// Tx groups writes that must become visible together.
//
// Concurrency:
//   - A Tx holds a connection until Commit or Rollback. On single-connection
//     backends nothing else may use the Store in between.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx, dialect: s.dialect}, nil
}

// InsertRows is Store.InsertRows inside the transaction.
func (t *Tx) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("insert into %s: no columns", table)
	}

	per := t.dialect.MaxParams() / len(columns)
	if m := t.dialect.MaxRowsPerInsert(); per > m {
		per = m
	}
	if per < 1 {
		per = 1
	}

	var total int64
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(columns))
		for _, r := range chunk {
			if len(r) != len(columns) {
				return 0, fmt.Errorf("insert into %s: row has %d values, want %d", table, len(r), len(columns))
			}
			args = append(args, r...)
		}
		res, err := t.tx.ExecContext(ctx, InsertSQL(t.dialect, table, columns, len(chunk)), args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback discards the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// ExecScript runs a SQL script, one statement per `;`. The script may be
// UTF-8 or UTF-16 with a byte order mark.
func (s *Store) ExecScript(ctx context.Context, r io.Reader) error {
	dec := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	stmts, err := SplitStatements(dec)
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("script statement %d: %w", i+1, err)
		}
	}
	return nil
}

// SplitStatements splits a script on `;` outside quotes. `--` line comments
// are dropped.
func SplitStatements(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}
	for {
		ch, _, err := br.ReadRune()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		switch {
		case quote != 0:
			cur.WriteRune(ch)
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
			cur.WriteRune(ch)
		case ch == '-':
			next, _, err := br.ReadRune()
			if err == nil && next == '-' {
				if _, err := br.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
					return nil, err
				}
				cur.WriteRune('\n')
				continue
			}
			cur.WriteRune(ch)
			if err == nil {
				_ = br.UnreadRune()
			}
		case ch == ';':
			flush()
		default:
			cur.WriteRune(ch)
		}
	}
	flush()
	return out, nil
}

// Dump writes t's DDL and rows as a SQL script ExecScript can replay.
func (s *Store) Dump(ctx context.Context, w io.Writer, tables []TableSpec) error {
	bw := bufio.NewWriter(w)
	for _, t := range tables {
		ddl, err := CreateTableSQL(s.dialect, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, "%s;\n", ddl)

		cols := t.ColumnNames()
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = s.Quote(c)
		}
		rows, err := s.QueryStrings(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), s.Quote(t.Name)))
		if err != nil {
			return fmt.Errorf("dump %s: %w", t.Name, err)
		}
		for _, row := range rows {
			vals := make([]string, len(row))
			for i, v := range row {
				vals[i] = sqlLiteral(v)
			}
			fmt.Fprintf(bw, "INSERT INTO %s (%s) VALUES (%s);\n", s.Quote(t.Name), strings.Join(quoted, ", "), strings.Join(vals, ", "))
		}
	}
	return bw.Flush()
}

func sqlLiteral(v *string) string {
	if v == nil {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(*v, "'", "''") + "'"
}
