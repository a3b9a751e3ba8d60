package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/progress"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

const defaultTimezone = "UTC"

const userColumns = `
	id,
	timezone,
	total_xp,
	current_level,
	current_streak,
	longest_streak,
	current_hp,
	total_build_points,
	build_points_spent,
	segments,
	settings_json,
	created_at,
	updated_at`

// EnsureUser creates the aggregate with default settings when it is missing.
// An existing user keeps its stored timezone.
func (s *Store) EnsureUser(ctx context.Context, userID, timezone string) (storage.User, error) {
	if err := s.ready(ctx); err != nil {
		return storage.User{}, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return storage.User{}, err
	}
	timezone, err = normalizeTimezone(timezone)
	if err != nil {
		return storage.User{}, err
	}

	var user storage.User
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertUserTx(ctx, tx, userID, timezone); err != nil {
			return err
		}
		loaded, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		user = loaded
		return nil
	})
	if err != nil {
		return storage.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

// GetUser returns one user aggregate.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	if err := s.ready(ctx); err != nil {
		return storage.User{}, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return storage.User{}, err
	}
	return getUser(ctx, s.sqlDB, userID)
}

// PutSettings validates and stores a new settings snapshot for the user.
func (s *Store) PutSettings(ctx context.Context, userID string, settings policy.Settings) (storage.User, error) {
	if err := s.ready(ctx); err != nil {
		return storage.User{}, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return storage.User{}, err
	}
	if err := settings.Validate(); err != nil {
		return storage.User{}, err
	}
	encoded, err := settings.Encode()
	if err != nil {
		return storage.User{}, err
	}

	var user storage.User
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertUserTx(ctx, tx, userID, defaultTimezone); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE users
SET settings_json = ?, settings_version = ?, updated_at = ?
WHERE id = ?
`, string(encoded), settings.Version, toMillis(s.now()), userID); err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		loaded, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		user = loaded
		return nil
	})
	if err != nil {
		return storage.User{}, fmt.Errorf("put settings: %w", err)
	}
	return user, nil
}

// SetTimezone changes the IANA timezone used for day boundaries.
func (s *Store) SetTimezone(ctx context.Context, userID, timezone string) (storage.User, error) {
	if err := s.ready(ctx); err != nil {
		return storage.User{}, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return storage.User{}, err
	}
	timezone, err = normalizeTimezone(timezone)
	if err != nil {
		return storage.User{}, err
	}

	var user storage.User
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertUserTx(ctx, tx, userID, timezone); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET timezone = ?, updated_at = ? WHERE id = ?`, timezone, toMillis(s.now()), userID); err != nil {
			return fmt.Errorf("update timezone: %w", err)
		}
		loaded, err := getUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		user = loaded
		return nil
	})
	if err != nil {
		return storage.User{}, fmt.Errorf("set timezone: %w", err)
	}
	return user, nil
}

func (s *Store) insertUserTx(ctx context.Context, tx *sql.Tx, userID, timezone string) error {
	now := toMillis(s.now())
	if _, err := tx.ExecContext(ctx, `
INSERT INTO users (id, timezone, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, userID, timezone, now, now); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func getUser(ctx context.Context, q queryRower, userID string) (storage.User, error) {
	row := q.QueryRowContext(ctx, `SELECT`+userColumns+`
FROM users
WHERE id = ?
`, userID)

	var (
		user         storage.User
		settingsJSON string
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&user.ID,
		&user.Timezone,
		&user.TotalXP,
		&user.CurrentLevel,
		&user.CurrentStreak,
		&user.LongestStreak,
		&user.CurrentHP,
		&user.TotalBuildPoints,
		&user.BuildPointsSpent,
		&user.Segments,
		&settingsJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	settings, err := policy.ParseSettings([]byte(settingsJSON))
	if err != nil {
		return storage.User{}, fmt.Errorf("decode stored settings for %s: %w", userID, err)
	}
	user.Settings = settings
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return user, nil
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}
	return userID, nil
}

func normalizeTimezone(timezone string) (string, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		return defaultTimezone, nil
	}
	if _, err := progress.LoadLocation(timezone); err != nil {
		return "", err
	}
	return timezone, nil
}
