// Package truth classifies a user's self-reported usage against an independently
// verified minute count and decides whether a one-time penalty is due.
//
// Classification and consequences are separate phases. Classification can be
// recomputed any number of times; the consequence phase is gated by the
// violation id on the stored check and happens at most once per user-day.
package truth

import (
	"time"

	"github.com/louisbranch/holdfast/internal/platform/id"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
)

// Status is the classification of one user-day.
type Status string

const (
	StatusMatch               Status = "match"
	StatusMismatch            Status = "mismatch"
	StatusMissingReport       Status = "missing_report"
	StatusMissingVerification Status = "missing_verification"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusMatch, StatusMismatch, StatusMissingReport, StatusMissingVerification:
		return true
	}
	return false
}

// Check is the stored daily truth check.
type Check struct {
	UserID          string
	Date            string
	ReportedMinutes *int
	VerifiedMinutes *int
	DeltaMinutes    *int
	Status          Status
	// ViolationID is set once consequences were applied and never cleared.
	ViolationID string
	ComputedAt  time.Time
}

// Consequenced reports whether the consequence gate is closed.
func (c Check) Consequenced() bool {
	return c.ViolationID != ""
}

// Classify compares reported and verified minutes.
//
// Both present: delta = reported - verified, match within threshold.
// Only one present: the missing side names the status and delta is nil.
// Neither present: missing_verification.
func Classify(reported, verified *int, threshold int) (delta *int, status Status) {
	switch {
	case reported != nil && verified != nil:
		d := *reported - *verified
		if abs(d) <= threshold {
			return &d, StatusMatch
		}
		return &d, StatusMismatch
	case reported != nil:
		return nil, StatusMissingVerification
	case verified != nil:
		return nil, StatusMissingReport
	}
	return nil, StatusMissingVerification
}

// Reason explains a consequence outcome.
type Reason string

const (
	ReasonApplied         Reason = "applied"
	ReasonAlreadyApplied  Reason = "already_applied"
	ReasonMissingData     Reason = "missing_data"
	ReasonNotMismatch     Reason = "not_mismatch"
	ReasonWithinThreshold Reason = "within_threshold"
)

// Decision is the outcome of evaluating a check for consequences.
type Decision struct {
	Apply   bool
	Reason  Reason
	Penalty int
}

// Decide evaluates a stored check. Gate first, then data, then status, then size.
func Decide(check Check, threshold int) Decision {
	switch {
	case check.Consequenced():
		return Decision{Reason: ReasonAlreadyApplied}
	case check.ReportedMinutes == nil || check.VerifiedMinutes == nil || check.DeltaMinutes == nil:
		return Decision{Reason: ReasonMissingData}
	case check.Status != StatusMismatch:
		return Decision{Reason: ReasonNotMismatch}
	case abs(*check.DeltaMinutes) <= threshold:
		return Decision{Reason: ReasonWithinThreshold}
	}
	return Decision{
		Apply:   true,
		Reason:  ReasonApplied,
		Penalty: policy.LiePenalty(*check.DeltaMinutes),
	}
}

// ViolationKind labels usage violations produced by reconciliation.
const ViolationKind = "usage_lie"

// ViolationID derives the usage-violation id for a user-day. Re-running the
// pipeline for the same day always lands on the same row.
func ViolationID(userID, date string) string {
	return id.DerivedID(ViolationKind, userID, date)
}

// Violation is the side record of an applied consequence.
type Violation struct {
	ID            string
	UserID        string
	Date          string
	Kind          string
	DeltaMinutes  int
	Penalty       int
	LedgerEventID string
	CreatedAt     time.Time
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
