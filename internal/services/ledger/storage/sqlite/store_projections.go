package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/progress"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// listActiveDays returns the distinct local days, ascending, on which the user
// has at least one positive XP event.
func listActiveDays(ctx context.Context, q queryer, userID string, loc *time.Location) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
SELECT created_at
FROM ledger_events
WHERE user_id = ? AND delta > 0
ORDER BY created_at ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active days: %w", err)
	}
	defer rows.Close()

	days := make([]string, 0)
	last := ""
	for rows.Next() {
		var createdAt int64
		if err := rows.Scan(&createdAt); err != nil {
			return nil, fmt.Errorf("scan active day: %w", err)
		}
		day := progress.DayKey(fromMillis(createdAt), loc)
		if day != last {
			days = append(days, day)
			last = day
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active days: %w", err)
	}
	return days, nil
}

// RefreshStreak recomputes the user's streak from the XP ledger as of today
// and stores it. The ledger read and the streak write share one transaction,
// so a slower caller never stores a streak older than one already written.
// The longest streak never decreases.
func (s *Store) RefreshStreak(ctx context.Context, userID string, loc *time.Location, today string) (progress.Streak, error) {
	if err := s.ready(ctx); err != nil {
		return progress.Streak{}, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return progress.Streak{}, err
	}
	today, err = progress.ParseDate(today)
	if err != nil {
		return progress.Streak{}, err
	}

	var streak progress.Streak
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		days, err := listActiveDays(ctx, tx, userID, loc)
		if err != nil {
			return err
		}
		computed := progress.ComputeStreak(days, today)
		result, err := tx.ExecContext(ctx, `
UPDATE users
SET current_streak = ?, longest_streak = MAX(longest_streak, ?), updated_at = ?
WHERE id = ?
`, computed.Current, computed.Longest, toMillis(s.now()), userID)
		if err != nil {
			return fmt.Errorf("update streak: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update streak rows affected: %w", err)
		}
		if affected == 0 {
			return storage.ErrNotFound
		}
		return tx.QueryRowContext(ctx, `SELECT current_streak, longest_streak FROM users WHERE id = ?`, userID).
			Scan(&streak.Current, &streak.Longest)
	})
	if err != nil {
		return progress.Streak{}, fmt.Errorf("refresh streak: %w", err)
	}
	return streak, nil
}

// ApplyHPAdjustment moves a user's hit points at most once per day, kind and
// source. A repeated adjustment returns the stored outcome unchanged.
func (s *Store) ApplyHPAdjustment(ctx context.Context, adj storage.HPAdjustment) (storage.HPResult, error) {
	if err := s.ready(ctx); err != nil {
		return storage.HPResult{}, err
	}
	userID, err := normalizeUserID(adj.UserID)
	if err != nil {
		return storage.HPResult{}, err
	}
	day, err := progress.ParseDate(adj.Day)
	if err != nil {
		return storage.HPResult{}, err
	}
	if !adj.Kind.Valid() {
		return storage.HPResult{}, apperrors.WithMetadata(apperrors.CodeInvalidRange, "unknown hp adjustment kind", map[string]string{"Field": "kind"})
	}
	source := strings.TrimSpace(adj.Source)
	createdAt := adj.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var result storage.HPResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var applied, hpAfter int
		err := tx.QueryRowContext(ctx, `
SELECT applied, hp_after
FROM hp_adjustments
WHERE user_id = ? AND day = ? AND kind = ? AND source = ?
`, userID, day, string(adj.Kind), source).Scan(&applied, &hpAfter)
		if err == nil {
			result = storage.HPResult{HP: hpAfter, Applied: applied, Duplicate: true}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get hp adjustment: %w", err)
		}

		if err := s.insertUserTx(ctx, tx, userID, defaultTimezone); err != nil {
			return err
		}
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT current_hp FROM users WHERE id = ?`, userID).Scan(&current); err != nil {
			return fmt.Errorf("get current hp: %w", err)
		}
		next, applied := progress.ApplyHP(current, adj.Delta)

		if _, err := tx.ExecContext(ctx, `
INSERT INTO hp_adjustments (user_id, day, kind, source, delta, applied, hp_after, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, userID, day, string(adj.Kind), source, adj.Delta, applied, next, toMillis(createdAt)); err != nil {
			return fmt.Errorf("insert hp adjustment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET current_hp = ?, updated_at = ? WHERE id = ?`, next, toMillis(s.now()), userID); err != nil {
			return fmt.Errorf("update hp: %w", err)
		}
		result = storage.HPResult{HP: next, Applied: applied}
		return nil
	})
	if err != nil {
		return storage.HPResult{}, fmt.Errorf("apply hp adjustment: %w", err)
	}
	return result, nil
}
