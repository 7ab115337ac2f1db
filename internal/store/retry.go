package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/wiregate/wiregate/internal/model"
)

// retryDelays is the back-off between attempts on StoreUnavailable.
var retryDelays = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond}

// withRetry runs fn, retrying StoreUnavailable failures once per entry in
// delays.
func withRetry(ctx context.Context, delays []time.Duration, fn func(ctx context.Context) error) error {
	attempt := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= len(delays) {
			return 0, true
		}
		d := delays[attempt]
		attempt++
		return d, false
	})

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && errors.Is(err, model.ErrStoreUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// classify maps driver errors onto the typed error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *model.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	if unavailable(err) {
		return model.StoreUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return true
		}
	}
	return false
}
