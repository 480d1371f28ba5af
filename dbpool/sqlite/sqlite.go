// Package sqlite is the default, swappable implementation of the
// dbpool.Database contract (§4.L of SPEC_FULL.md). It is intentionally
// minimal: a SELECT-capable connection pool suitable for the credential
// probe and the reference ProtocolServer's query tool, keeping the SQL
// dialect a genuinely pluggable concern as the core spec requires.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dbgate/dbgate/dbpool"
)

// Database opens sqlite-backed pools. The zero value is ready to use.
type Database struct{}

var _ dbpool.Database = Database{}

// OpenPool translates cfg into a sqlite DSN and opens a connection pool.
// Host/Port/Username/Password are accepted for interface parity with other
// drivers but are not meaningful for a local sqlite file; Database names the
// file path (or ":memory:").
func (Database) OpenPool(ctx context.Context, cfg dbpool.DatabaseConfig) (dbpool.Pool, error) {
	dsn := buildDSN(cfg)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &pool{db: db}, nil
}

func buildDSN(cfg dbpool.DatabaseConfig) string {
	path := cfg.Database
	if path == "" {
		path = ":memory:"
	}

	extra := url.Values{}
	for k, v := range cfg.DriverOptions {
		switch k {
		case "busy_timeout_ms":
			extra.Set("_busy_timeout", v)
		case "journal_mode":
			extra.Set("_journal_mode", v)
		default:
			extra.Set(k, v)
		}
	}

	dsn := path
	if enc := extra.Encode(); enc != "" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + enc
	}
	return dsn
}

type pool struct {
	db *sql.DB
}

func (p *pool) Execute(ctx context.Context, query string, params []any) (*dbpool.Rows, error) {
	rows, err := p.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &dbpool.Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, rows.Err()
}

func (p *pool) Probe(ctx context.Context) bool {
	return p.db.PingContext(ctx) == nil
}

func (p *pool) Close() error {
	return p.db.Close()
}
