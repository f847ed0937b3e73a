// Package mssql stores the local data in Microsoft SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"cci/internal/storage"
)

func init() {
	storage.Register("sqlserver", Open)
}

// Open connects with the "sqlserver" driver and validates connectivity.
func Open(ctx context.Context, cfg storage.Config) (*storage.Store, error) {
	db, err := sql.Open("sqlserver", cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return storage.NewStore(db, Dialect{}), nil
}

// Dialect is the SQL Server SQL dialect.
type Dialect struct{}

func (Dialect) Name() string              { return "mssql" }
func (Dialect) Quote(ident string) string { return mssqlTableIdent(ident) }
func (Dialect) Placeholder(n int) string  { return fmt.Sprintf("@p%d", n) }

// MaxParams stays under the 2100 parameter limit of one request.
func (Dialect) MaxParams() int { return 2000 }

// MaxRowsPerInsert is the row limit of a table value constructor.
func (Dialect) MaxRowsPerInsert() int { return 1000 }

// DropTableSQL guards with OBJECT_ID so it works before DROP TABLE IF EXISTS
// was available.
func (Dialect) DropTableSQL(t string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;", strings.ReplaceAll(t, "'", "''"), mssqlTableIdent(t))
}

func (Dialect) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = @p1"
}

func (Dialect) ColumnType(logical string) string {
	switch strings.ToLower(logical) {
	case storage.TypeString:
		return "NVARCHAR(255)"
	case storage.TypeSerial:
		return "INT"
	case "", storage.TypeText:
		return "NVARCHAR(MAX)"
	default:
		return logical
	}
}

// PrimaryKeyDef returns a column definition for the primary key.
//
// Supported types (case-insensitive):
//   - "serial", "identity" variants -> INT IDENTITY(1,1) PRIMARY KEY
//   - "bigserial" -> BIGINT IDENTITY(1,1) PRIMARY KEY
//   - text keys -> NVARCHAR(255), since NVARCHAR(MAX) cannot be indexed
func (Dialect) PrimaryKeyDef(pk storage.PrimaryKeySpec) string {
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial", "int identity", "integer identity", "identity":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name))
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name))
	case "", storage.TypeText, storage.TypeString:
		return fmt.Sprintf("%s NVARCHAR(255) PRIMARY KEY", mssqlIdent(pk.Name))
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), pk.Type)
	}
}

// IsUniqueViolation matches error 2627 (constraint) and 2601 (unique index).
func (Dialect) IsUniqueViolation(err error) bool {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return me.Number == 2627 || me.Number == 2601
	}
	return false
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.accounts" -> [dbo].[accounts]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
