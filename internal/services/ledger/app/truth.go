package app

import (
	"context"
	"errors"

	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/truth"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
)

// RecordUsageReport stores the user's self-reported phone minutes for a day.
// Reports can be replaced until the day is reconciled again.
func (s *Service) RecordUsageReport(ctx context.Context, userID, date string, minutes int) (out storage.UsageReport, err error) {
	ctx, span := s.startSpan(ctx, "RecordUsageReport", userID)
	defer func() { endSpan(span, err) }()

	user, _, err := s.user(ctx, userID)
	if err != nil {
		return storage.UsageReport{}, err
	}
	return s.store.PutUsageReport(ctx, storage.UsageReport{
		UserID:     user.ID,
		Date:       date,
		Minutes:    minutes,
		ReportedAt: s.now(),
	})
}

// ComputeTruthCheck classifies a user-day against the verified minute count.
// A nil verified count marks verification as missing. Recomputing replaces the
// classification but leaves an applied consequence in place.
func (s *Service) ComputeTruthCheck(ctx context.Context, userID, date string, verified *int) (out truth.Check, err error) {
	ctx, span := s.startSpan(ctx, "ComputeTruthCheck", userID)
	defer func() { endSpan(span, err) }()

	if verified != nil {
		if err := policy.ValidateUsageMinutes("verified_minutes", *verified); err != nil {
			return truth.Check{}, err
		}
	}

	var reported *int
	report, err := s.store.GetUsageReport(ctx, userID, date)
	switch {
	case err == nil:
		minutes := report.Minutes
		reported = &minutes
	case errors.Is(err, storage.ErrNotFound):
	default:
		return truth.Check{}, err
	}

	delta, status := truth.Classify(reported, verified, policy.TruthThresholdMinutes)
	return s.store.UpsertTruthCheck(ctx, truth.Check{
		UserID:          userID,
		Date:            date,
		ReportedMinutes: reported,
		VerifiedMinutes: verified,
		DeltaMinutes:    delta,
		Status:          status,
		ComputedAt:      s.now(),
	})
}

// ApplyTruthConsequences penalizes a mismatched day at most once.
func (s *Service) ApplyTruthConsequences(ctx context.Context, userID, date, locale string) (out storage.ConsequenceResult, err error) {
	ctx, span := s.startSpan(ctx, "ApplyTruthConsequences", userID)
	defer func() { endSpan(span, err) }()

	out, err = s.store.ApplyTruthConsequences(ctx, storage.ConsequenceRequest{
		UserID: userID,
		Date:   date,
		Locale: locale,
		Now:    s.now(),
	})
	if err != nil {
		return storage.ConsequenceResult{}, err
	}
	span.SetAttributes(truthAttributes(out)...)
	return out, nil
}

// ReconcileRequest reconciles one user-day.
type ReconcileRequest struct {
	UserID          string
	Date            string
	VerifiedMinutes *int
	Locale          string
}

// ReconcileOutcome is the result of reconciling one user-day.
type ReconcileOutcome struct {
	Check       truth.Check
	Consequence storage.ConsequenceResult
}

// ReconcileDay computes the truth check for a day and then applies its
// consequences. Running it again for the same day never penalizes twice.
func (s *Service) ReconcileDay(ctx context.Context, req ReconcileRequest) (out ReconcileOutcome, err error) {
	out.Check, err = s.ComputeTruthCheck(ctx, req.UserID, req.Date, req.VerifiedMinutes)
	if err != nil {
		return ReconcileOutcome{}, err
	}
	out.Consequence, err = s.ApplyTruthConsequences(ctx, out.Check.UserID, out.Check.Date, req.Locale)
	if err != nil {
		return ReconcileOutcome{}, err
	}
	out.Check = out.Consequence.Check
	return out, nil
}
