package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/platform/i18n"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/progress"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/truth"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

const (
	auditEventConsequenceApplied = "truth.consequence_applied"
	auditSeverityWarn            = "WARN"
	relatedUsageViolation        = "usage_violation"
)

// PutUsageReport stores or replaces the self report for a user-day.
func (s *Store) PutUsageReport(ctx context.Context, report storage.UsageReport) (storage.UsageReport, error) {
	if err := s.ready(ctx); err != nil {
		return storage.UsageReport{}, err
	}
	userID, err := normalizeUserID(report.UserID)
	if err != nil {
		return storage.UsageReport{}, err
	}
	date, err := progress.ParseDate(report.Date)
	if err != nil {
		return storage.UsageReport{}, err
	}
	if err := policy.ValidateUsageMinutes("reported_minutes", report.Minutes); err != nil {
		return storage.UsageReport{}, err
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = s.now()
	}
	report.UserID = userID
	report.Date = date
	report.ReportedAt = report.ReportedAt.UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO usage_reports (user_id, date, minutes, reported_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id, date) DO UPDATE SET
	minutes = excluded.minutes,
	reported_at = excluded.reported_at
`, userID, date, report.Minutes, toMillis(report.ReportedAt))
		return err
	})
	if err != nil {
		return storage.UsageReport{}, fmt.Errorf("put usage report: %w", err)
	}
	return report, nil
}

// GetUsageReport returns the self report for a user-day.
func (s *Store) GetUsageReport(ctx context.Context, userID, date string) (storage.UsageReport, error) {
	if err := s.ready(ctx); err != nil {
		return storage.UsageReport{}, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return storage.UsageReport{}, err
	}
	date, err = progress.ParseDate(date)
	if err != nil {
		return storage.UsageReport{}, err
	}

	report := storage.UsageReport{UserID: userID, Date: date}
	var reportedAt int64
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT minutes, reported_at
FROM usage_reports
WHERE user_id = ? AND date = ?
`, userID, date).Scan(&report.Minutes, &reportedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UsageReport{}, storage.ErrNotFound
		}
		return storage.UsageReport{}, fmt.Errorf("get usage report: %w", err)
	}
	report.ReportedAt = fromMillis(reportedAt)
	return report, nil
}

// UpsertTruthCheck writes the classification for a user-day. The consequence
// gate column is left untouched so recomputation never reopens it.
func (s *Store) UpsertTruthCheck(ctx context.Context, check truth.Check) (truth.Check, error) {
	if err := s.ready(ctx); err != nil {
		return truth.Check{}, err
	}
	userID, err := normalizeUserID(check.UserID)
	if err != nil {
		return truth.Check{}, err
	}
	date, err := progress.ParseDate(check.Date)
	if err != nil {
		return truth.Check{}, err
	}
	if !check.Status.Valid() {
		return truth.Check{}, fmt.Errorf("unknown truth check status %q", check.Status)
	}
	computedAt := check.ComputedAt
	if computedAt.IsZero() {
		computedAt = s.now()
	}

	var stored truth.Check
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO truth_checks (user_id, date, reported_minutes, verified_minutes, delta_minutes, status, computed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, date) DO UPDATE SET
	reported_minutes = excluded.reported_minutes,
	verified_minutes = excluded.verified_minutes,
	delta_minutes = excluded.delta_minutes,
	status = excluded.status,
	computed_at = excluded.computed_at
`,
			userID,
			date,
			nullInt(check.ReportedMinutes),
			nullInt(check.VerifiedMinutes),
			nullInt(check.DeltaMinutes),
			string(check.Status),
			toMillis(computedAt),
		); err != nil {
			return fmt.Errorf("upsert truth check: %w", err)
		}
		loaded, err := getTruthCheck(ctx, tx, userID, date)
		if err != nil {
			return err
		}
		stored = loaded
		return nil
	})
	if err != nil {
		return truth.Check{}, fmt.Errorf("upsert truth check: %w", err)
	}
	return stored, nil
}

// GetTruthCheck returns the stored check for a user-day.
func (s *Store) GetTruthCheck(ctx context.Context, userID, date string) (truth.Check, error) {
	if err := s.ready(ctx); err != nil {
		return truth.Check{}, err
	}
	userID, err := normalizeUserID(userID)
	if err != nil {
		return truth.Check{}, err
	}
	date, err = progress.ParseDate(date)
	if err != nil {
		return truth.Check{}, err
	}
	return getTruthCheck(ctx, s.sqlDB, userID, date)
}

func getTruthCheck(ctx context.Context, q queryRower, userID, date string) (truth.Check, error) {
	var (
		check       truth.Check
		reported    sql.NullInt64
		verified    sql.NullInt64
		delta       sql.NullInt64
		status      string
		violationID sql.NullString
		computedAt  int64
	)
	err := q.QueryRowContext(ctx, `
SELECT reported_minutes, verified_minutes, delta_minutes, status, violation_id, computed_at
FROM truth_checks
WHERE user_id = ? AND date = ?
`, userID, date).Scan(&reported, &verified, &delta, &status, &violationID, &computedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return truth.Check{}, storage.ErrNotFound
		}
		return truth.Check{}, fmt.Errorf("get truth check: %w", err)
	}
	check.UserID = userID
	check.Date = date
	check.ReportedMinutes = intPtr(reported)
	check.VerifiedMinutes = intPtr(verified)
	check.DeltaMinutes = intPtr(delta)
	check.Status = truth.Status(status)
	check.ViolationID = violationID.String
	check.ComputedAt = fromMillis(computedAt)
	return check, nil
}

// ApplyTruthConsequences applies the lie penalty for a user-day at most once.
//
// The gate read, violation upsert, ledger append, audit record and gate write
// share one transaction, so concurrent callers observe either no consequence or
// the complete one.
func (s *Store) ApplyTruthConsequences(ctx context.Context, req storage.ConsequenceRequest) (storage.ConsequenceResult, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ConsequenceResult{}, err
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return storage.ConsequenceResult{}, err
	}
	date, err := progress.ParseDate(req.Date)
	if err != nil {
		return storage.ConsequenceResult{}, err
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	eventID, err := s.newID()
	if err != nil {
		return storage.ConsequenceResult{}, fmt.Errorf("generate event id: %w", err)
	}

	var result storage.ConsequenceResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		check, err := getTruthCheck(ctx, tx, userID, date)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.WithMetadata(apperrors.CodeTruthCheckNotComputed, "truth check not computed", map[string]string{
					"UserID": userID,
					"Date":   date,
				})
			}
			return err
		}

		decision := truth.Decide(check, policy.TruthThresholdMinutes)
		if !decision.Apply {
			result = storage.ConsequenceResult{Reason: decision.Reason, ViolationID: check.ViolationID, Check: check}
			return nil
		}

		delta := *check.DeltaMinutes
		violationID := truth.ViolationID(userID, date)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO usage_violations (id, user_id, date, kind, delta_minutes, penalty, ledger_event_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, '', ?)
ON CONFLICT DO NOTHING
`, violationID, userID, date, truth.ViolationKind, delta, decision.Penalty, toMillis(now)); err != nil {
			return fmt.Errorf("insert usage violation: %w", err)
		}

		appended, err := s.recordEventTx(ctx, tx, points.CurrencyXP, eventID, points.RecordRequest{
			UserID:      userID,
			Type:        points.TypeLiePenalty,
			Delta:       int64(decision.Penalty),
			Related:     points.EntityRef{Type: relatedUsageViolation, ID: violationID},
			Description: i18n.Describe(req.Locale, i18n.KeyLiePenalty, absInt(delta), date),
			DedupeKey:   points.LieKey(userID, date),
			OccurredAt:  now,
		})
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE usage_violations SET ledger_event_id = ? WHERE id = ? AND ledger_event_id = ''
`, appended.Event.ID, violationID); err != nil {
			return fmt.Errorf("link usage violation: %w", err)
		}

		payload, err := json.Marshal(map[string]any{
			"date":            date,
			"delta_minutes":   delta,
			"penalty":         decision.Penalty,
			"ledger_event_id": appended.Event.ID,
		})
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		if err := s.appendAuditEvent(ctx, tx, storage.AuditEvent{
			Timestamp:   now,
			EventName:   auditEventConsequenceApplied,
			UserID:      userID,
			EntityType:  relatedUsageViolation,
			EntityID:    violationID,
			Severity:    auditSeverityWarn,
			PayloadJSON: payload,
		}); err != nil {
			return err
		}

		gate, err := tx.ExecContext(ctx, `
UPDATE truth_checks SET violation_id = ?
WHERE user_id = ? AND date = ? AND violation_id IS NULL
`, violationID, userID, date)
		if err != nil {
			return fmt.Errorf("close consequence gate: %w", err)
		}
		affected, err := gate.RowsAffected()
		if err != nil {
			return fmt.Errorf("close consequence gate rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("close consequence gate: expected 1 row updated, got %d", affected)
		}

		check.ViolationID = violationID
		result = storage.ConsequenceResult{
			Applied:     true,
			Reason:      truth.ReasonApplied,
			ViolationID: violationID,
			Penalty:     decision.Penalty,
			Ledger:      &appended,
			Check:       check,
		}
		return nil
	})
	if err != nil {
		return storage.ConsequenceResult{}, fmt.Errorf("apply truth consequences: %w", err)
	}
	return result, nil
}

// GetUsageViolation returns one usage violation by id.
func (s *Store) GetUsageViolation(ctx context.Context, violationID string) (truth.Violation, error) {
	if err := s.ready(ctx); err != nil {
		return truth.Violation{}, err
	}
	var (
		violation truth.Violation
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, date, kind, delta_minutes, penalty, ledger_event_id, created_at
FROM usage_violations
WHERE id = ?
`, violationID).Scan(
		&violation.ID,
		&violation.UserID,
		&violation.Date,
		&violation.Kind,
		&violation.DeltaMinutes,
		&violation.Penalty,
		&violation.LedgerEventID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return truth.Violation{}, storage.ErrNotFound
		}
		return truth.Violation{}, fmt.Errorf("get usage violation: %w", err)
	}
	violation.CreatedAt = fromMillis(createdAt)
	return violation, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
