package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect identifies the backing SQL engine.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// gooseDialect is the name goose uses for d.
func (d Dialect) gooseDialect() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

func (d Dialect) floatType() string {
	if d == DialectPostgres {
		return "DOUBLE PRECISION"
	}
	return "REAL"
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rewrites `?` placeholders for the dialect in use.
type conn struct {
	q       querier
	dialect Dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, rewriteQuery(c.dialect, query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, rewriteQuery(c.dialect, query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, rewriteQuery(c.dialect, query), args...)
}

func rewriteQuery(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	return rewritePlaceholders(query)
}

// rewritePlaceholders turns `?` into `$n`, skipping quoted text.
func rewritePlaceholders(query string) string {
	var buf strings.Builder
	buf.Grow(len(query) + 16)
	n := 0
	inSingle, inDouble := false, false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == '?' && !inSingle && !inDouble:
			n++
			buf.WriteByte('$')
			buf.WriteString(strconv.Itoa(n))
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}

// quoteIdent quotes a validated table name.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
