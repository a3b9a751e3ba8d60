package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/platform/storage/sqliteconn"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/progress"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

const (
	xpEventColumns = `
	id, user_id, type, delta, related_entity_type, related_entity_id, description,
	dedupe_key, created_at, total_after, level_after, level_up, 0 AS segments_after`
	buildEventColumns = `
	id, user_id, type, delta, related_entity_type, related_entity_id, description,
	dedupe_key, created_at, total_after, 0 AS level_after, 0 AS level_up, segments_after`
)

func eventSource(currency points.Currency) (table string, columns string, err error) {
	switch currency {
	case points.CurrencyXP:
		return "ledger_events", xpEventColumns, nil
	case points.CurrencyBuild:
		return "build_events", buildEventColumns, nil
	default:
		return "", "", fmt.Errorf("unknown ledger currency %q", currency)
	}
}

// RecordEvent appends one XP event and moves the user aggregate with it.
func (s *Store) RecordEvent(ctx context.Context, req points.RecordRequest) (points.Result, error) {
	return s.recordEvent(ctx, points.CurrencyXP, req)
}

// RecordBuildEvent appends one build-point event and moves the build balance.
func (s *Store) RecordBuildEvent(ctx context.Context, req points.RecordRequest) (points.Result, error) {
	return s.recordEvent(ctx, points.CurrencyBuild, req)
}

func (s *Store) recordEvent(ctx context.Context, currency points.Currency, req points.RecordRequest) (points.Result, error) {
	if err := s.ready(ctx); err != nil {
		return points.Result{}, err
	}
	req, err := req.Normalize(currency)
	if err != nil {
		return points.Result{}, err
	}

	if req.DedupeKey != "" {
		stored, err := getEventByDedupeKey(ctx, s.sqlDB, currency, req.DedupeKey)
		if err == nil {
			return points.ReplayResult(stored, req.UserID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return points.Result{}, err
		}
	}

	eventID, err := s.newID()
	if err != nil {
		return points.Result{}, fmt.Errorf("generate event id: %w", err)
	}

	var result points.Result
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		appended, err := s.recordEventTx(ctx, tx, currency, eventID, req)
		if err != nil {
			return err
		}
		result = appended
		return nil
	})
	if err != nil {
		if req.DedupeKey != "" && sqliteconn.IsConstraintError(err) {
			stored, getErr := getEventByDedupeKey(ctx, s.sqlDB, currency, req.DedupeKey)
			if getErr != nil {
				return points.Result{}, fmt.Errorf("load deduplicated %s event: %w", currency, getErr)
			}
			return points.ReplayResult(stored, req.UserID)
		}
		return points.Result{}, fmt.Errorf("record %s event: %w", currency, err)
	}
	return result, nil
}

// recordEventTx appends an event inside tx. Callers have normalized req.
func (s *Store) recordEventTx(ctx context.Context, tx *sql.Tx, currency points.Currency, eventID string, req points.RecordRequest) (points.Result, error) {
	if req.DedupeKey != "" {
		stored, err := getEventByDedupeKey(ctx, tx, currency, req.DedupeKey)
		if err == nil {
			return points.ReplayResult(stored, req.UserID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return points.Result{}, err
		}
	}

	if err := s.insertUserTx(ctx, tx, req.UserID, defaultTimezone); err != nil {
		return points.Result{}, err
	}
	user, err := getUser(ctx, tx, req.UserID)
	if err != nil {
		return points.Result{}, err
	}

	createdAt := req.OccurredAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	evt := points.Event{
		ID:          eventID,
		Currency:    currency,
		UserID:      req.UserID,
		Type:        req.Type,
		Delta:       req.Delta,
		Related:     req.Related,
		Description: req.Description,
		DedupeKey:   req.DedupeKey,
		CreatedAt:   createdAt.UTC(),
	}

	switch currency {
	case points.CurrencyXP:
		evt.TotalAfter = user.TotalXP + req.Delta
		evt.LevelAfter, evt.LevelUp = progress.NextLevel(user.CurrentLevel, evt.TotalAfter)
		if err := insertXPEvent(ctx, tx, evt); err != nil {
			return points.Result{}, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE users
SET total_xp = ?, current_level = ?, updated_at = ?
WHERE id = ?
`, evt.TotalAfter, evt.LevelAfter, toMillis(s.now()), req.UserID); err != nil {
			return points.Result{}, fmt.Errorf("update xp aggregate: %w", err)
		}
	case points.CurrencyBuild:
		spent := user.BuildPointsSpent
		evt.TotalAfter = user.TotalBuildPoints + req.Delta
		if req.Type == points.TypeSegmentSpend {
			if req.Delta >= 0 {
				return points.Result{}, apperrors.WithMetadata(apperrors.CodeInvalidRange, "segment spend must be negative", map[string]string{
					"Field": "delta",
				})
			}
			if evt.TotalAfter < 0 {
				return points.Result{}, apperrors.WithMetadata(apperrors.CodeInsufficientBalance, "insufficient build points", map[string]string{
					"Balance":   fmt.Sprint(user.TotalBuildPoints),
					"Requested": fmt.Sprint(-req.Delta),
				})
			}
			spent -= req.Delta
		}
		evt.SegmentsAfter = policy.SegmentsFor(int(spent), user.Settings)
		if err := insertBuildEvent(ctx, tx, evt); err != nil {
			return points.Result{}, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE users
SET total_build_points = ?, build_points_spent = ?, segments = ?, updated_at = ?
WHERE id = ?
`, evt.TotalAfter, spent, evt.SegmentsAfter, toMillis(s.now()), req.UserID); err != nil {
			return points.Result{}, fmt.Errorf("update build aggregate: %w", err)
		}
	default:
		return points.Result{}, fmt.Errorf("unknown ledger currency %q", currency)
	}

	if err := s.enqueueOutboxTx(ctx, tx, evt); err != nil {
		return points.Result{}, err
	}
	return points.ResultFromEvent(evt, false), nil
}

func insertXPEvent(ctx context.Context, tx *sql.Tx, evt points.Event) error {
	levelUp := 0
	if evt.LevelUp {
		levelUp = 1
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_events (
	id, user_id, type, delta, related_entity_type, related_entity_id, description,
	dedupe_key, created_at, total_after, level_after, level_up
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		evt.ID,
		evt.UserID,
		string(evt.Type),
		evt.Delta,
		evt.Related.Type,
		evt.Related.ID,
		evt.Description,
		nullString(evt.DedupeKey),
		toMillis(evt.CreatedAt),
		evt.TotalAfter,
		evt.LevelAfter,
		levelUp,
	); err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

func insertBuildEvent(ctx context.Context, tx *sql.Tx, evt points.Event) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO build_events (
	id, user_id, type, delta, related_entity_type, related_entity_id, description,
	dedupe_key, created_at, total_after, segments_after
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		evt.ID,
		evt.UserID,
		string(evt.Type),
		evt.Delta,
		evt.Related.Type,
		evt.Related.ID,
		evt.Description,
		nullString(evt.DedupeKey),
		toMillis(evt.CreatedAt),
		evt.TotalAfter,
		evt.SegmentsAfter,
	); err != nil {
		return fmt.Errorf("insert build event: %w", err)
	}
	return nil
}

// GetEvent returns one stored event by id.
func (s *Store) GetEvent(ctx context.Context, currency points.Currency, eventID string) (points.Event, error) {
	if err := s.ready(ctx); err != nil {
		return points.Event{}, err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return points.Event{}, fmt.Errorf("event id is required")
	}
	table, columns, err := eventSource(currency)
	if err != nil {
		return points.Event{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT`+columns+` FROM `+table+` WHERE id = ?`, eventID)
	evt, err := scanEvent(currency, row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return points.Event{}, storage.ErrNotFound
		}
		return points.Event{}, fmt.Errorf("get %s event: %w", currency, err)
	}
	return evt, nil
}

// GetEventByDedupeKey returns the event stored under a dedupe key.
func (s *Store) GetEventByDedupeKey(ctx context.Context, currency points.Currency, dedupeKey string) (points.Event, error) {
	if err := s.ready(ctx); err != nil {
		return points.Event{}, err
	}
	dedupeKey = strings.TrimSpace(dedupeKey)
	if dedupeKey == "" {
		return points.Event{}, fmt.Errorf("dedupe key is required")
	}
	return getEventByDedupeKey(ctx, s.sqlDB, currency, dedupeKey)
}

func getEventByDedupeKey(ctx context.Context, q queryRower, currency points.Currency, dedupeKey string) (points.Event, error) {
	table, columns, err := eventSource(currency)
	if err != nil {
		return points.Event{}, err
	}
	row := q.QueryRowContext(ctx, `SELECT`+columns+` FROM `+table+` WHERE dedupe_key = ?`, dedupeKey)
	evt, err := scanEvent(currency, row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return points.Event{}, storage.ErrNotFound
		}
		return points.Event{}, fmt.Errorf("get %s event by dedupe key: %w", currency, err)
	}
	return evt, nil
}

// ListEvents returns up to limit events for the user, newest first.
func (s *Store) ListEvents(ctx context.Context, currency points.Currency, userID string, limit int) ([]points.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []points.Event{}, nil
	}
	table, columns, err := eventSource(currency)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT`+columns+`
FROM `+table+`
WHERE user_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s events: %w", currency, err)
	}
	defer rows.Close()

	events := make([]points.Event, 0, limit)
	for rows.Next() {
		evt, err := scanEvent(currency, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan %s event: %w", currency, err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s events: %w", currency, err)
	}
	return events, nil
}

// SumDeltas totals every delta the user has on a ledger.
func (s *Store) SumDeltas(ctx context.Context, currency points.Currency, userID string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	table, _, err := eventSource(currency)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM `+table+` WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum %s deltas: %w", currency, err)
	}
	return total, nil
}

// SumBuildEarnedSince totals positive build deltas created at or after since.
func (s *Store) SumBuildEarnedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(delta), 0)
FROM build_events
WHERE user_id = ? AND delta > 0 AND created_at >= ?
`, userID, toMillis(since)).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum earned build points: %w", err)
	}
	return total, nil
}

type rowScanner func(dest ...any) error

func scanEvent(currency points.Currency, scan rowScanner) (points.Event, error) {
	var (
		evt       points.Event
		eventType string
		dedupeKey sql.NullString
		createdAt int64
		levelUp   int
	)
	if err := scan(
		&evt.ID,
		&evt.UserID,
		&eventType,
		&evt.Delta,
		&evt.Related.Type,
		&evt.Related.ID,
		&evt.Description,
		&dedupeKey,
		&createdAt,
		&evt.TotalAfter,
		&evt.LevelAfter,
		&levelUp,
		&evt.SegmentsAfter,
	); err != nil {
		return points.Event{}, err
	}
	evt.Currency = currency
	evt.Type = points.Type(eventType)
	evt.DedupeKey = dedupeKey.String
	evt.CreatedAt = fromMillis(createdAt)
	evt.LevelUp = levelUp != 0
	return evt, nil
}
