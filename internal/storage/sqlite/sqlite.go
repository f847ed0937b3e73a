// Package sqlite is the default local store backend (modernc.org/sqlite, no
// cgo). An empty database URL opens a private in-memory database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cci/internal/storage"
)

func init() {
	for _, scheme := range []string{"sqlite", "sqlite3", "file"} {
		storage.Register(scheme, Open)
	}
}

// Open opens the database named by cfg.URL.
//
// Accepted URLs:
//   - "" or "sqlite://" or "sqlite:///:memory:": fresh in-memory database
//   - "sqlite:///relative/path.db", "sqlite:////abs/path.db"
//   - "file:path.db?..." passed to the driver as is
//
// SQLite allows one writer; the pool is limited to a single connection so an
// in-memory database is shared by every statement of the run.
func Open(ctx context.Context, cfg storage.Config) (*storage.Store, error) {
	db, err := sql.Open("sqlite", DSN(cfg.URL))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return storage.NewStore(db, Dialect{}), nil
}

// DSN turns a database URL into a driver DSN.
func DSN(raw string) string {
	if strings.HasPrefix(raw, "file:") {
		return raw
	}
	path := raw
	for _, p := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(path, p) {
			path = strings.TrimPrefix(path, p)
			break
		}
	}
	// sqlite:///x.db names x.db; sqlite:////x.db names /x.db.
	path = strings.TrimPrefix(path, "/")
	if path == "" || path == ":memory:" {
		return fmt.Sprintf("file:cci-%s?mode=memory&cache=shared", uuid.NewString())
	}
	return path
}

// Dialect is the SQLite SQL dialect.
type Dialect struct{}

func (Dialect) Name() string              { return "sqlite" }
func (Dialect) Quote(ident string) string { return storage.QuoteDouble(ident) }
func (Dialect) Placeholder(int) string    { return "?" }
func (Dialect) MaxParams() int            { return 32766 }
func (Dialect) MaxRowsPerInsert() int     { return 500 }

func (Dialect) DropTableSQL(t string) string {
	return "DROP TABLE IF EXISTS " + storage.QuoteDouble(t)
}

func (Dialect) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (Dialect) ColumnType(logical string) string {
	switch strings.ToLower(logical) {
	case storage.TypeString:
		return "VARCHAR(255)"
	case storage.TypeSerial:
		return "INTEGER"
	case "", storage.TypeText:
		return "TEXT"
	default:
		return logical
	}
}

// PrimaryKeyDef maps serial to INTEGER PRIMARY KEY AUTOINCREMENT, which makes
// the column the rowid and generates values.
func (d Dialect) PrimaryKeyDef(pk storage.PrimaryKeySpec) string {
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial", "bigserial", "identity":
		return fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", d.Quote(pk.Name))
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", d.Quote(pk.Name), d.ColumnType(pk.Type))
	}
}

func (Dialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
