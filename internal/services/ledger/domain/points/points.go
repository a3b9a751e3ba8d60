// Package points defines the append-only ledger event envelope shared by the XP
// ledger and the build-point ledger.
//
// Events are immutable facts. Corrections are new compensating events; nothing
// in the system updates or deletes a stored event. A non-empty dedupe key is the
// idempotency boundary for every point-earning action: at most one event per key
// ever exists, and replays return the original result.
package points

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
)

// Currency names one of the independent point ledgers.
type Currency string

const (
	// CurrencyXP funds levels and streaks.
	CurrencyXP Currency = "xp"
	// CurrencyBuild funds construction segments.
	CurrencyBuild Currency = "build"
)

// Type is the closed set of ledger event types.
type Type string

const (
	TypeBlockComplete    Type = "block_complete"
	TypeUrgeResist       Type = "urge_resist"
	TypeTaskComplete     Type = "task_complete"
	TypeViolationPenalty Type = "violation_penalty"
	TypeLiePenalty       Type = "lie_penalty"
	TypeSleepBonus       Type = "sleep_bonus"
	TypeStreakBonus      Type = "streak_bonus"
	TypeSegmentSpend     Type = "segment_spend"
	TypeManualAdjustment Type = "manual_adjustment"
)

var allowedTypes = map[Currency]map[Type]struct{}{
	CurrencyXP: {
		TypeBlockComplete:    {},
		TypeUrgeResist:       {},
		TypeTaskComplete:     {},
		TypeViolationPenalty: {},
		TypeLiePenalty:       {},
		TypeSleepBonus:       {},
		TypeStreakBonus:      {},
		TypeManualAdjustment: {},
	},
	CurrencyBuild: {
		TypeBlockComplete:    {},
		TypeTaskComplete:     {},
		TypeSegmentSpend:     {},
		TypeManualAdjustment: {},
	},
}

// Allows reports whether the currency's ledger accepts events of type t.
func (c Currency) Allows(t Type) bool {
	types, ok := allowedTypes[c]
	if !ok {
		return false
	}
	_, ok = types[t]
	return ok
}

// EntityRef is a loose reference to the record that caused an event. It is not
// a foreign key: the referenced record may be deleted later.
type EntityRef struct {
	Type string
	ID   string
}

// Event is one stored ledger entry.
type Event struct {
	ID          string
	Currency    Currency
	UserID      string
	Type        Type
	Delta       int64
	Related     EntityRef
	Description string
	DedupeKey   string
	CreatedAt   time.Time

	// Snapshot of the aggregate right after this event was applied.
	TotalAfter    int64
	LevelAfter    int
	LevelUp       bool
	SegmentsAfter int
}

// RecordRequest asks a ledger to append one event.
type RecordRequest struct {
	UserID      string
	Type        Type
	Delta       int64
	Related     EntityRef
	Description string
	// DedupeKey is optional; when set, replays return the first result.
	DedupeKey string
	// OccurredAt defaults to the store clock.
	OccurredAt time.Time
}

// Normalize trims identifiers and validates the request against currency.
func (r RecordRequest) Normalize(currency Currency) (RecordRequest, error) {
	r.UserID = strings.TrimSpace(r.UserID)
	r.DedupeKey = strings.TrimSpace(r.DedupeKey)
	r.Description = strings.TrimSpace(r.Description)
	r.Related.Type = strings.TrimSpace(r.Related.Type)
	r.Related.ID = strings.TrimSpace(r.Related.ID)
	if r.UserID == "" {
		return RecordRequest{}, apperrors.New(apperrors.CodeUserIDEmpty, "user id is required")
	}
	if !currency.Allows(r.Type) {
		return RecordRequest{}, apperrors.WithMetadata(apperrors.CodeEventTypeInvalid, "event type "+string(r.Type)+" not allowed on "+string(currency)+" ledger", map[string]string{
			"Type":     string(r.Type),
			"Currency": string(currency),
		})
	}
	return r, nil
}

// Result is what a ledger append reports back to the caller.
type Result struct {
	Event    Event
	NewTotal int64
	// NewLevel and LevelUp are only meaningful on the XP ledger.
	NewLevel int
	LevelUp  bool
	// Segments is only meaningful on the build ledger.
	Segments int
	// Duplicate is true when the dedupe key already existed and nothing was written.
	Duplicate bool
}

// ResultFromEvent rebuilds the original append result from a stored event.
func ResultFromEvent(evt Event, duplicate bool) Result {
	return Result{
		Event:     evt,
		NewTotal:  evt.TotalAfter,
		NewLevel:  evt.LevelAfter,
		LevelUp:   evt.LevelUp,
		Segments:  evt.SegmentsAfter,
		Duplicate: duplicate,
	}
}

// ReplayResult returns the stored append for a dedupe hit. A key owned by a
// different user is a conflict, never a replay.
func ReplayResult(stored Event, userID string) (Result, error) {
	if stored.UserID != strings.TrimSpace(userID) {
		return Result{}, apperrors.WithMetadata(apperrors.CodeStoreConflict, "dedupe key belongs to another user", map[string]string{
			"DedupeKey": stored.DedupeKey,
		})
	}
	return ResultFromEvent(stored, true), nil
}
