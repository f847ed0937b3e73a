// Package postgres stores the local data in Postgres through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"cci/internal/storage"
)

func init() {
	// registers the backend factory
	storage.Register("postgres", Open)
	storage.Register("postgresql", Open)
}

// Open creates a pgx pool for cfg.URL and exposes it as *sql.DB.
func Open(ctx context.Context, cfg storage.Config) (*storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return storage.NewStore(stdlib.OpenDBFromPool(pool), Dialect{}), nil
}

// Dialect is the Postgres SQL dialect.
type Dialect struct{}

func (Dialect) Name() string              { return "postgres" }
func (Dialect) Quote(ident string) string { return pgIdent(ident) }
func (Dialect) Placeholder(n int) string  { return fmt.Sprintf("$%d", n) }
func (Dialect) MaxParams() int            { return 65535 }
func (Dialect) MaxRowsPerInsert() int     { return 1000 }

func (Dialect) DropTableSQL(t string) string { return "DROP TABLE IF EXISTS " + pgIdent(t) }

// TableExistsSQL matches unqualified names in any schema on the search path.
func (Dialect) TableExistsSQL() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1 AND table_schema = ANY (current_schemas(false))"
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

func (d Dialect) PrimaryKeyDef(pk storage.PrimaryKeySpec) string {
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial":
		return fmt.Sprintf("%s SERIAL PRIMARY KEY", pgIdent(pk.Name))
	case "bigserial":
		return fmt.Sprintf("%s BIGSERIAL PRIMARY KEY", pgIdent(pk.Name))
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", pgIdent(pk.Name), d.ColumnType(pk.Type))
	}
}

// IsUniqueViolation matches SQLSTATE 23505.
func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// pgIdent quotes each part of a possibly schema-qualified name.
//
// Examples:
//   - "public.accounts" => "public"."accounts"
//   - "accounts"        => "accounts"
func pgIdent(name string) string {
	parts := strings.Split(strings.TrimSpace(name), ".")
	if len(parts) != 2 {
		return storage.QuoteDouble(name)
	}
	return storage.QuoteDouble(parts[0]) + "." + storage.QuoteDouble(parts[1])
}
