package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendAuditEvent records one audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, evt storage.AuditEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.appendAuditEvent(ctx, s.sqlDB, evt)
}

func (s *Store) appendAuditEvent(ctx context.Context, exec execContexter, evt storage.AuditEvent) error {
	evt.EventName = strings.TrimSpace(evt.EventName)
	if evt.EventName == "" {
		return fmt.Errorf("audit event name is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.now()
	}
	if strings.TrimSpace(evt.Severity) == "" {
		evt.Severity = "INFO"
	}
	if _, err := exec.ExecContext(ctx, `
INSERT INTO audit_events (timestamp, event_name, user_id, entity_type, entity_id, severity, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		toMillis(evt.Timestamp),
		evt.EventName,
		strings.TrimSpace(evt.UserID),
		strings.TrimSpace(evt.EntityType),
		strings.TrimSpace(evt.EntityID),
		evt.Severity,
		evt.PayloadJSON,
	); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the newest audit events, optionally for one user.
func (s *Store) ListAuditEvents(ctx context.Context, userID string, limit int) ([]storage.AuditEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.AuditEvent{}, nil
	}
	userID = strings.TrimSpace(userID)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, timestamp, event_name, user_id, entity_type, entity_id, severity, payload_json
FROM audit_events
WHERE (? = '' OR user_id = ?)
ORDER BY id DESC
LIMIT ?
`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := make([]storage.AuditEvent, 0, limit)
	for rows.Next() {
		var (
			evt       storage.AuditEvent
			timestamp int64
		)
		if err := rows.Scan(&evt.ID, &timestamp, &evt.EventName, &evt.UserID, &evt.EntityType, &evt.EntityID, &evt.Severity, &evt.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Timestamp = fromMillis(timestamp)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
