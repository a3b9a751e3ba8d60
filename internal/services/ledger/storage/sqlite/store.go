package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/platform/id"
	"github.com/louisbranch/holdfast/internal/platform/storage/sqliteconn"
	"github.com/louisbranch/holdfast/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage/sqlite/migrations"
)

var _ storage.Store = (*Store)(nil)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements ledger persistence over SQLite.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
	newID func() (string, error)
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the store clock used for default timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// Open opens a ledger SQLite store and applies bundled migrations.
func Open(path string, opts ...Option) (*Store, error) {
	sqlDB, err := sqliteconn.Open(path)
	if err != nil {
		return nil, err
	}

	store := &Store{
		sqlDB: sqlDB,
		clock: time.Now,
		newID: id.NewID,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside one immediate transaction, retrying the whole
// transaction while the database stays busy. fn may run more than once and
// must not keep state outside the transaction between attempts.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := sqliteconn.RetryBusy(ctx, func(ctx context.Context) error {
		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if errors.Is(err, sqliteconn.ErrBusyExhausted) {
		return apperrors.Wrap(apperrors.CodeStoreConflict, "store remained busy", err)
	}
	return err
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func intPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}
