package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

const (
	outboxDeadLetterThreshold = 8
	outboxProcessingLease     = 2 * time.Minute
)

const outboxColumns = `id, currency, event_id, user_id, event_type, status, attempt_count, next_attempt_at, last_error, updated_at`

func (s *Store) enqueueOutboxTx(ctx context.Context, tx *sql.Tx, evt points.Event) error {
	enqueuedAt := toMillis(s.now())
	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_outbox (
	currency, event_id, user_id, event_type, status, attempt_count, next_attempt_at, last_error, updated_at
) VALUES (?, ?, ?, ?, 'pending', 0, ?, '', ?)
ON CONFLICT(currency, event_id) DO NOTHING
`,
		string(evt.Currency),
		evt.ID,
		evt.UserID,
		string(evt.Type),
		enqueuedAt,
		enqueuedAt,
	); err != nil {
		return fmt.Errorf("enqueue ledger outbox: %w", err)
	}
	return nil
}

// ClaimOutbox moves up to limit due rows to processing. Rows stuck in
// processing longer than the lease are reclaimed.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.OutboxEntry{}, nil
	}
	if now.IsZero() {
		now = s.now()
	}
	staleBefore := now.Add(-outboxProcessingLease)

	var claimed []storage.OutboxEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM ledger_outbox
WHERE (status IN ('pending', 'failed') AND next_attempt_at <= ?)
   OR (status = 'processing' AND updated_at <= ?)
ORDER BY next_attempt_at ASC, id ASC
LIMIT ?
`, toMillis(now), toMillis(staleBefore), limit)
		if err != nil {
			return fmt.Errorf("list due outbox rows: %w", err)
		}
		candidates, err := scanOutboxRows(rows)
		if err != nil {
			return err
		}

		claimed = make([]storage.OutboxEntry, 0, len(candidates))
		for _, candidate := range candidates {
			result, err := tx.ExecContext(ctx, `
UPDATE ledger_outbox
SET status = 'processing', updated_at = ?
WHERE id = ?
  AND (
	(status IN ('pending', 'failed') AND next_attempt_at <= ?)
	OR (status = 'processing' AND updated_at <= ?)
  )
`, toMillis(now), candidate.ID, toMillis(now), toMillis(staleBefore))
			if err != nil {
				return fmt.Errorf("claim outbox row %d: %w", candidate.ID, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim outbox row rows affected %d: %w", candidate.ID, err)
			}
			if affected == 1 {
				candidate.Status = storage.OutboxStatusProcessing
				candidate.UpdatedAt = now.UTC()
				claimed = append(claimed, candidate)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	return claimed, nil
}

// CompleteOutbox removes a relayed row.
func (s *Store) CompleteOutbox(ctx context.Context, entry storage.OutboxEntry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM ledger_outbox WHERE id = ? AND status = 'processing'`, entry.ID)
	if err != nil {
		return fmt.Errorf("complete outbox row %d: %w", entry.ID, err)
	}
	return ensureOutboxSingleRow(result, entry, "complete outbox row", "deleted")
}

// RetryOutbox reschedules a processing row with exponential backoff, or
// dead-letters it once the attempt threshold is reached.
func (s *Store) RetryOutbox(ctx context.Context, entry storage.OutboxEntry, now time.Time, lastError string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if now.IsZero() {
		now = s.now()
	}
	attempt := entry.AttemptCount + 1
	status := storage.OutboxStatusFailed
	if attempt >= outboxDeadLetterThreshold {
		status = storage.OutboxStatusDead
	}
	nextAttempt := now.Add(outboxRetryBackoff(attempt))

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE ledger_outbox
SET status = ?,
    attempt_count = ?,
    next_attempt_at = ?,
    last_error = ?,
    updated_at = ?
WHERE id = ? AND status = 'processing'
`,
		status,
		attempt,
		toMillis(nextAttempt),
		strings.TrimSpace(lastError),
		toMillis(now),
		entry.ID,
	)
	if err != nil {
		return fmt.Errorf("mark outbox retry for row %d: %w", entry.ID, err)
	}
	return ensureOutboxSingleRow(result, entry, "mark outbox retry for row", "updated")
}

func ensureOutboxSingleRow(result sql.Result, entry storage.OutboxEntry, operation, verb string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %d: %w", operation, entry.ID, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %d: expected 1 row %s, got %d", operation, entry.ID, verb, affected)
	}
	return nil
}

// ListOutbox lists outbox rows optionally filtered by status.
func (s *Store) ListOutbox(ctx context.Context, status string, limit int) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.OutboxEntry{}, nil
	}
	status, err := normalizeOutboxStatus(status)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if status == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM ledger_outbox
ORDER BY next_attempt_at ASC, id ASC
LIMIT ?
`, limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM ledger_outbox
WHERE status = ?
ORDER BY next_attempt_at ASC, id ASC
LIMIT ?
`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list outbox rows: %w", err)
	}
	return scanOutboxRows(rows)
}

// GetOutboxSummary returns queue depth by status and the oldest retry-eligible row.
func (s *Store) GetOutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := s.ready(ctx); err != nil {
		return storage.OutboxSummary{}, err
	}

	summary := storage.OutboxSummary{}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT status, COUNT(*) FROM ledger_outbox GROUP BY status`)
	if err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("query outbox summary counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, fmt.Errorf("scan outbox summary count: %w", err)
		}
		switch status {
		case storage.OutboxStatusPending:
			summary.PendingCount = count
		case storage.OutboxStatusProcessing:
			summary.ProcessingCount = count
		case storage.OutboxStatusFailed:
			summary.FailedCount = count
		case storage.OutboxStatusDead:
			summary.DeadCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("iterate outbox summary counts: %w", err)
	}

	var nextAttempt int64
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT next_attempt_at
FROM ledger_outbox
WHERE status IN ('pending', 'failed')
ORDER BY next_attempt_at ASC, id ASC
LIMIT 1
`).Scan(&nextAttempt)
	if err == nil {
		summary.OldestPendingAt = fromMillis(nextAttempt)
		return summary, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return summary, nil
	}
	return storage.OutboxSummary{}, fmt.Errorf("query oldest pending outbox row: %w", err)
}

// RequeueDeadOutbox transitions up to limit dead rows back to pending.
func (s *Store) RequeueDeadOutbox(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("outbox requeue limit must be greater than zero")
	}
	if now.IsZero() {
		now = s.now()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
WITH to_requeue AS (
	SELECT id
	FROM ledger_outbox
	WHERE status = 'dead'
	ORDER BY next_attempt_at ASC, id ASC
	LIMIT ?
)
UPDATE ledger_outbox
SET status = 'pending',
    attempt_count = 0,
    next_attempt_at = ?,
    last_error = '',
    updated_at = ?
WHERE status = 'dead'
  AND id IN (SELECT id FROM to_requeue)
`, limit, toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows affected: %w", err)
	}
	return int(affected), nil
}

func normalizeOutboxStatus(status string) (string, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", storage.OutboxStatusPending, storage.OutboxStatusProcessing, storage.OutboxStatusFailed, storage.OutboxStatusDead:
		return status, nil
	default:
		return "", fmt.Errorf("unknown outbox status %q", status)
	}
}

func scanOutboxRows(rows *sql.Rows) ([]storage.OutboxEntry, error) {
	defer rows.Close()

	entries := make([]storage.OutboxEntry, 0)
	for rows.Next() {
		var (
			entry       storage.OutboxEntry
			currency    string
			eventType   string
			nextAttempt int64
			updatedAt   int64
		)
		if err := rows.Scan(
			&entry.ID,
			&currency,
			&entry.EventID,
			&entry.UserID,
			&eventType,
			&entry.Status,
			&entry.AttemptCount,
			&nextAttempt,
			&entry.LastError,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entry.Currency = points.Currency(currency)
		entry.EventType = points.Type(eventType)
		entry.NextAttemptAt = fromMillis(nextAttempt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}

func outboxRetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := time.Second << (attempt - 1)
	if backoff > 5*time.Minute {
		return 5 * time.Minute
	}
	return backoff
}
