// Package sqliteconn opens SQLite databases with the connection settings every
// holdfast store relies on and classifies driver errors.
package sqliteconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dsnParams enables WAL, foreign keys and a busy timeout, and starts every
// transaction with BEGIN IMMEDIATE so concurrent writers queue on the database
// lock instead of failing on a read-to-write upgrade.
const dsnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// Open opens and pings a SQLite database at path.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	sqlDB, err := sql.Open("sqlite", cleanPath+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return sqlDB, nil
}

// IsConstraintError reports whether err is a UNIQUE or PRIMARY KEY violation.
func IsConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// IsBusyError reports whether err means another connection holds the lock.
func IsBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED ||
		code&0xff == sqlite3.SQLITE_BUSY || code&0xff == sqlite3.SQLITE_LOCKED
}

// ErrBusyExhausted is returned by RetryBusy once every attempt hit a busy lock.
var ErrBusyExhausted = errors.New("sqlite remained busy")

const (
	maxBusyRetries = 8
	retryBaseDelay = 10 * time.Millisecond
)

// RetryBusy runs fn until it returns an error that is not a busy error.
//
// fn must be safe to repeat: it is expected to open and finish its own
// transaction. Exhausted retries wrap ErrBusyExhausted and the last busy error.
func RetryBusy(ctx context.Context, fn func(context.Context) error) error {
	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil || !IsBusyError(err) {
			return err
		}
		lastBusyErr = err
		if attempt >= maxBusyRetries {
			return fmt.Errorf("%w: %w", ErrBusyExhausted, lastBusyErr)
		}
		timer := time.NewTimer(time.Duration(attempt+1) * retryBaseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
