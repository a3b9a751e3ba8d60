package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/progress"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/truth"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// User is the per-user aggregate row.
type User struct {
	ID               string
	Timezone         string
	TotalXP          int64
	CurrentLevel     int
	CurrentStreak    int
	LongestStreak    int
	CurrentHP        int
	TotalBuildPoints int64
	BuildPointsSpent int64
	Segments         int
	Settings         policy.Settings
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UserStore persists user aggregates and their settings snapshot.
type UserStore interface {
	// EnsureUser creates the aggregate with defaults when it does not exist.
	EnsureUser(ctx context.Context, userID, timezone string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	PutSettings(ctx context.Context, userID string, settings policy.Settings) (User, error)
	SetTimezone(ctx context.Context, userID, timezone string) (User, error)
}

// LedgerStore appends and reads point ledger events.
type LedgerStore interface {
	RecordEvent(ctx context.Context, req points.RecordRequest) (points.Result, error)
	RecordBuildEvent(ctx context.Context, req points.RecordRequest) (points.Result, error)
	GetEvent(ctx context.Context, currency points.Currency, eventID string) (points.Event, error)
	GetEventByDedupeKey(ctx context.Context, currency points.Currency, dedupeKey string) (points.Event, error)
	ListEvents(ctx context.Context, currency points.Currency, userID string, limit int) ([]points.Event, error)
	SumDeltas(ctx context.Context, currency points.Currency, userID string) (int64, error)
	// SumBuildEarnedSince totals positive build deltas at or after since.
	SumBuildEarnedSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// HPAdjustment is one idempotent change to a user's hit points.
type HPAdjustment struct {
	UserID string
	Day    string
	Kind   progress.HPKind
	// Source distinguishes several adjustments of one kind on the same day.
	Source    string
	Delta     int
	CreatedAt time.Time
}

// HPResult reports the hit points after an adjustment.
type HPResult struct {
	HP        int
	Applied   int
	Duplicate bool
}

// ProjectionStore maintains aggregates that are not moved by a ledger append.
type ProjectionStore interface {
	// RefreshStreak recomputes and stores the streak as of the local day today.
	RefreshStreak(ctx context.Context, userID string, loc *time.Location, today string) (progress.Streak, error)
	ApplyHPAdjustment(ctx context.Context, adj HPAdjustment) (HPResult, error)
}

// UsageReport is a user's self-reported phone usage for one day.
type UsageReport struct {
	UserID     string
	Date       string
	Minutes    int
	ReportedAt time.Time
}

// ConsequenceRequest asks the store to apply truth consequences for a day.
type ConsequenceRequest struct {
	UserID string
	Date   string
	Locale string
	Now    time.Time
}

// ConsequenceResult reports the outcome of the consequence phase.
type ConsequenceResult struct {
	Applied     bool
	Reason      truth.Reason
	ViolationID string
	Penalty     int
	// Ledger is set only when the penalty event was appended.
	Ledger *points.Result
	Check  truth.Check
}

// TruthStore persists self reports, truth checks and their consequences.
type TruthStore interface {
	PutUsageReport(ctx context.Context, report UsageReport) (UsageReport, error)
	GetUsageReport(ctx context.Context, userID, date string) (UsageReport, error)
	// UpsertTruthCheck writes classification columns and never touches the
	// consequence gate.
	UpsertTruthCheck(ctx context.Context, check truth.Check) (truth.Check, error)
	GetTruthCheck(ctx context.Context, userID, date string) (truth.Check, error)
	ApplyTruthConsequences(ctx context.Context, req ConsequenceRequest) (ConsequenceResult, error)
	GetUsageViolation(ctx context.Context, violationID string) (truth.Violation, error)
}

// AuditEvent is a durable operational audit record.
type AuditEvent struct {
	ID         int64
	Timestamp  time.Time
	EventName  string
	UserID     string
	EntityType string
	EntityID   string
	Severity   string
	// PayloadJSON is optional structured context.
	PayloadJSON []byte
}

// AuditEventStore persists audit records.
type AuditEventStore interface {
	AppendAuditEvent(ctx context.Context, evt AuditEvent) error
	ListAuditEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error)
}

// Outbox row statuses.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusFailed     = "failed"
	OutboxStatusDead       = "dead"
)

// OutboxEntry references one ledger event waiting to be relayed.
type OutboxEntry struct {
	ID            int64
	Currency      points.Currency
	EventID       string
	UserID        string
	EventType     points.Type
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
}

// OutboxSummary reports outbox depth and the oldest retry-eligible row.
type OutboxSummary struct {
	PendingCount    int
	ProcessingCount int
	FailedCount     int
	DeadCount       int
	OldestPendingAt time.Time
}

// OutboxStore leases and settles relay outbox rows.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	CompleteOutbox(ctx context.Context, entry OutboxEntry) error
	// RetryOutbox reschedules the row, or dead-letters it once the attempt
	// threshold is reached.
	RetryOutbox(ctx context.Context, entry OutboxEntry, now time.Time, lastError string) error
	ListOutbox(ctx context.Context, status string, limit int) ([]OutboxEntry, error)
	GetOutboxSummary(ctx context.Context) (OutboxSummary, error)
	RequeueDeadOutbox(ctx context.Context, limit int, now time.Time) (int, error)
}

// Store is the full persistence surface used by the ledger service.
type Store interface {
	UserStore
	LedgerStore
	ProjectionStore
	TruthStore
	AuditEventStore
	OutboxStore
	Close() error
}
