package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/wiregate/wiregate/internal/db"
	"github.com/wiregate/wiregate/internal/metrics"
)

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

// OpenSQLite opens the simple-mode store at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLStore, error) {
	dsn := "file::memory:"
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps an in-memory database alive across calls.
	raw.SetMaxOpenConns(1)
	raw.SetConnMaxLifetime(0)

	s := New(raw, DialectSQLite, logger)
	if err := s.Ping(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens the scale-mode store through a pgx pool and applies
// migrations. Pool statistics are exported on reg when it is non-nil.
func OpenPostgres(ctx context.Context, databaseURL string, logger zerolog.Logger, reg prometheus.Registerer) (*SQLStore, error) {
	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, classify("open postgres", err)
	}
	if reg != nil {
		metrics.RegisterPgxPoolMetrics(reg, pool)
	}

	s := New(stdlib.OpenDBFromPool(pool), DialectPostgres, logger)
	s.onClose = pool.Close
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
