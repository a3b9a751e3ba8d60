package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

// Severity describes the audit severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event names emitted by the ledger service.
const (
	EventSettingsUpdated = "settings.updated"
	EventTimezoneUpdated = "timezone.updated"
	EventHPAdjusted      = "hp.adjusted"
	EventOutboxRequeued  = "outbox.requeued"
)

// Emitter records operational audit events.
type Emitter struct {
	store storage.AuditEventStore
	clock func() time.Time
}

// NewEmitter creates a new audit event emitter.
func NewEmitter(store storage.AuditEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records an audit event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt storage.AuditEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendAuditEvent(ctx, evt)
}

// Record is one audit event with a structured payload.
type Record struct {
	Name       string
	Severity   Severity
	UserID     string
	EntityType string
	EntityID   string
	Payload    any
}

// EmitRecord encodes the payload as JSON and records the event.
func (e *Emitter) EmitRecord(ctx context.Context, rec Record) error {
	if e == nil || e.store == nil {
		return nil
	}
	evt := storage.AuditEvent{
		EventName:  rec.Name,
		UserID:     rec.UserID,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Severity:   string(rec.Severity),
	}
	if evt.Severity == "" {
		evt.Severity = string(SeverityInfo)
	}
	if rec.Payload != nil {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		evt.PayloadJSON = payload
	}
	return e.Emit(ctx, evt)
}
