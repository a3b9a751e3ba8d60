package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/platform/i18n"
	platformotel "github.com/louisbranch/holdfast/internal/platform/otel"
	"github.com/louisbranch/holdfast/internal/services/ledger/audit"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/progress"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service executes ledger actions for authenticated users.
type Service struct {
	store  storage.Store
	audit  *audit.Emitter
	clock  func() time.Time
	tracer trace.Tracer
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService builds a service over store.
func NewService(store storage.Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger service requires a store")
	}
	s := &Service{
		store:  store,
		audit:  audit.NewEmitter(store),
		clock:  time.Now,
		tracer: platformotel.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) startSpan(ctx context.Context, name, userID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attribute.String("user.id", userID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}

// user loads the aggregate, creating it on first use.
func (s *Service) user(ctx context.Context, userID string) (storage.User, *time.Location, error) {
	user, err := s.store.EnsureUser(ctx, userID, "")
	if err != nil {
		return storage.User{}, nil, err
	}
	loc, err := progress.LoadLocation(user.Timezone)
	if err != nil {
		return storage.User{}, nil, err
	}
	return user, loc, nil
}

func startOfDay(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func requireID(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return value, nil
}

// BlockRequest reports a finished phone-free block.
type BlockRequest struct {
	UserID         string
	BlockID        string
	PlannedMinutes int
	// HeldMinutes is how long the block actually lasted when EndedEarly is set.
	HeldMinutes int
	EndedEarly  bool
	Locale      string
}

// BlockOutcome is the result of completing a block.
type BlockOutcome struct {
	XP     policy.BlockXP
	Ledger points.Result
	// Build is nil when the daily build cap left nothing to award.
	Build  *points.Result
	Streak progress.Streak
}

// CompleteBlock rewards a finished block with XP and build points.
func (s *Service) CompleteBlock(ctx context.Context, req BlockRequest) (out BlockOutcome, err error) {
	ctx, span := s.startSpan(ctx, "CompleteBlock", req.UserID)
	defer func() { endSpan(span, err) }()

	blockID, err := requireID("block id", req.BlockID)
	if err != nil {
		return BlockOutcome{}, err
	}
	user, loc, err := s.user(ctx, req.UserID)
	if err != nil {
		return BlockOutcome{}, err
	}
	settings := user.Settings
	if err := policy.ValidateBlockDuration(req.PlannedMinutes, settings); err != nil {
		return BlockOutcome{}, err
	}
	minutes := req.PlannedMinutes
	if req.EndedEarly {
		if req.HeldMinutes < 0 || req.HeldMinutes > req.PlannedMinutes {
			return BlockOutcome{}, apperrors.WithMetadata(apperrors.CodeInvalidRange, "held minutes out of range", map[string]string{
				"Field": "held_minutes",
				"Min":   "0",
				"Max":   fmt.Sprint(req.PlannedMinutes),
			})
		}
		minutes = req.HeldMinutes
	}

	out.XP = policy.CalculateBlockXP(minutes, policy.BlockContext{EndedEarly: req.EndedEarly}, settings)
	related := points.EntityRef{Type: "block", ID: blockID}
	out.Ledger, err = s.store.RecordEvent(ctx, points.RecordRequest{
		UserID:      user.ID,
		Type:        points.TypeBlockComplete,
		Delta:       int64(out.XP.Total),
		Related:     related,
		Description: i18n.Describe(req.Locale, i18n.KeyBlockComplete, minutes),
		DedupeKey:   points.BlockKey(user.ID, blockID),
	})
	if err != nil {
		return BlockOutcome{}, err
	}

	out.Build, err = s.awardBuild(ctx, user, loc, points.RecordRequest{
		Type:        points.TypeBlockComplete,
		Delta:       int64(policy.CalculateBlockBuildPoints(minutes, settings)),
		Related:     related,
		Description: i18n.Describe(req.Locale, i18n.KeyBlockCompleteBuild, minutes),
		DedupeKey:   points.BlockBuildKey(user.ID, blockID),
	})
	if err != nil {
		return BlockOutcome{}, err
	}

	out.Streak, err = s.refreshStreak(ctx, user, loc)
	if err != nil {
		return BlockOutcome{}, err
	}
	return out, nil
}

// awardBuild appends a build reward clamped by the daily cap. A replay returns
// the original append even when today's cap has since been reached.
func (s *Service) awardBuild(ctx context.Context, user storage.User, loc *time.Location, req points.RecordRequest) (*points.Result, error) {
	stored, err := s.store.GetEventByDedupeKey(ctx, points.CurrencyBuild, req.DedupeKey)
	if err == nil {
		result, err := points.ReplayResult(stored, user.ID)
		if err != nil {
			return nil, err
		}
		return &result, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	earned, err := s.store.SumBuildEarnedSince(ctx, user.ID, startOfDay(s.now(), loc))
	if err != nil {
		return nil, err
	}
	amount := policy.ClampBuildPoints(int(earned), int(req.Delta), user.Settings)
	if amount == 0 {
		return nil, nil
	}
	req.UserID = user.ID
	req.Delta = int64(amount)
	result, err := s.store.RecordBuildEvent(ctx, req)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UrgeRequest reports a resisted urge.
type UrgeRequest struct {
	UserID        string
	UrgeID        string
	Intensity     int
	InActiveBlock bool
	Locale        string
}

// UrgeOutcome is the result of logging an urge. Ledger is nil when the urge
// happened inside an active block, whose completion already pays for it.
type UrgeOutcome struct {
	XP     int
	Ledger *points.Result
}

// ResistUrge rewards logging a resisted urge.
func (s *Service) ResistUrge(ctx context.Context, req UrgeRequest) (out UrgeOutcome, err error) {
	ctx, span := s.startSpan(ctx, "ResistUrge", req.UserID)
	defer func() { endSpan(span, err) }()

	urgeID, err := requireID("urge id", req.UrgeID)
	if err != nil {
		return UrgeOutcome{}, err
	}
	user, loc, err := s.user(ctx, req.UserID)
	if err != nil {
		return UrgeOutcome{}, err
	}
	out.XP, err = policy.CalculateUrgeXP(policy.UrgeContext{Intensity: req.Intensity, InActiveBlock: req.InActiveBlock}, user.Settings)
	if err != nil {
		return UrgeOutcome{}, err
	}
	if out.XP == 0 {
		return out, nil
	}
	result, err := s.store.RecordEvent(ctx, points.RecordRequest{
		UserID:      user.ID,
		Type:        points.TypeUrgeResist,
		Delta:       int64(out.XP),
		Related:     points.EntityRef{Type: "urge", ID: urgeID},
		Description: i18n.Describe(req.Locale, i18n.KeyUrgeResist, req.Intensity),
		DedupeKey:   points.UrgeKey(user.ID, urgeID),
	})
	if err != nil {
		return UrgeOutcome{}, err
	}
	out.Ledger = &result
	if _, err := s.refreshStreak(ctx, user, loc); err != nil {
		return UrgeOutcome{}, err
	}
	return out, nil
}

// TaskRequest reports a completed task.
type TaskRequest struct {
	UserID   string
	TaskID   string
	Title    string
	Priority policy.TaskPriority
	Locale   string
}

// TaskOutcome is the result of completing a task.
type TaskOutcome struct {
	XP     int
	Ledger points.Result
	Build  *points.Result
}

// CompleteTask rewards a completed task with XP and build points.
func (s *Service) CompleteTask(ctx context.Context, req TaskRequest) (out TaskOutcome, err error) {
	ctx, span := s.startSpan(ctx, "CompleteTask", req.UserID)
	defer func() { endSpan(span, err) }()

	taskID, err := requireID("task id", req.TaskID)
	if err != nil {
		return TaskOutcome{}, err
	}
	user, loc, err := s.user(ctx, req.UserID)
	if err != nil {
		return TaskOutcome{}, err
	}
	out.XP, err = policy.CalculateTaskXP(req.Priority, user.Settings)
	if err != nil {
		return TaskOutcome{}, err
	}
	title := strings.TrimSpace(req.Title)
	related := points.EntityRef{Type: "task", ID: taskID}
	out.Ledger, err = s.store.RecordEvent(ctx, points.RecordRequest{
		UserID:      user.ID,
		Type:        points.TypeTaskComplete,
		Delta:       int64(out.XP),
		Related:     related,
		Description: i18n.Describe(req.Locale, i18n.KeyTaskComplete, title),
		DedupeKey:   points.TaskKey(user.ID, taskID),
	})
	if err != nil {
		return TaskOutcome{}, err
	}
	out.Build, err = s.awardBuild(ctx, user, loc, points.RecordRequest{
		Type:        points.TypeTaskComplete,
		Delta:       int64(policy.CalculateTaskBuildPoints(user.Settings)),
		Related:     related,
		Description: i18n.Describe(req.Locale, i18n.KeyTaskCompleteBuild, title),
		DedupeKey:   points.TaskBuildKey(user.ID, taskID),
	})
	if err != nil {
		return TaskOutcome{}, err
	}
	if _, err := s.refreshStreak(ctx, user, loc); err != nil {
		return TaskOutcome{}, err
	}
	return out, nil
}

// ViolationRequest reports a phone violation.
type ViolationRequest struct {
	UserID      string
	ViolationID string
	Reason      string
	Locale      string
}

// ViolationOutcome is the result of recording a violation.
type ViolationOutcome struct {
	Ledger points.Result
	HP     storage.HPResult
}

// RecordViolation deducts XP and HP for a phone violation.
func (s *Service) RecordViolation(ctx context.Context, req ViolationRequest) (out ViolationOutcome, err error) {
	ctx, span := s.startSpan(ctx, "RecordViolation", req.UserID)
	defer func() { endSpan(span, err) }()

	violationID, err := requireID("violation id", req.ViolationID)
	if err != nil {
		return ViolationOutcome{}, err
	}
	user, loc, err := s.user(ctx, req.UserID)
	if err != nil {
		return ViolationOutcome{}, err
	}
	xpPenalty, hpPenalty := policy.ViolationPenalty(user.Settings)
	out.Ledger, err = s.store.RecordEvent(ctx, points.RecordRequest{
		UserID:      user.ID,
		Type:        points.TypeViolationPenalty,
		Delta:       int64(xpPenalty),
		Related:     points.EntityRef{Type: "violation", ID: violationID},
		Description: i18n.Describe(req.Locale, i18n.KeyViolationPenalty, strings.TrimSpace(req.Reason)),
		DedupeKey:   points.ViolationKey(user.ID, violationID),
	})
	if err != nil {
		return ViolationOutcome{}, err
	}
	out.HP, err = s.adjustHP(ctx, storage.HPAdjustment{
		UserID: user.ID,
		Day:    progress.DayKey(out.Ledger.Event.CreatedAt, loc),
		Kind:   progress.HPKindViolation,
		Source: violationID,
		Delta:  hpPenalty,
	})
	if err != nil {
		return ViolationOutcome{}, err
	}
	return out, nil
}

// SleepRequest reports last night's sleep quality for a day.
type SleepRequest struct {
	UserID  string
	Date    string
	Quality int
}

// RecordSleep adjusts HP from a 1-5 sleep quality rating once per day.
func (s *Service) RecordSleep(ctx context.Context, req SleepRequest) (out storage.HPResult, err error) {
	ctx, span := s.startSpan(ctx, "RecordSleep", req.UserID)
	defer func() { endSpan(span, err) }()

	delta, err := policy.SleepHPDelta(req.Quality)
	if err != nil {
		return storage.HPResult{}, err
	}
	user, _, err := s.user(ctx, req.UserID)
	if err != nil {
		return storage.HPResult{}, err
	}
	return s.adjustHP(ctx, storage.HPAdjustment{UserID: user.ID, Day: req.Date, Kind: progress.HPKindSleep, Delta: delta})
}

// HealingRequest reports a completed healing session.
type HealingRequest struct {
	UserID    string
	SessionID string
	Date      string
}

// RecordHealing restores HP for a healing session.
func (s *Service) RecordHealing(ctx context.Context, req HealingRequest) (out storage.HPResult, err error) {
	ctx, span := s.startSpan(ctx, "RecordHealing", req.UserID)
	defer func() { endSpan(span, err) }()

	sessionID, err := requireID("session id", req.SessionID)
	if err != nil {
		return storage.HPResult{}, err
	}
	user, _, err := s.user(ctx, req.UserID)
	if err != nil {
		return storage.HPResult{}, err
	}
	return s.adjustHP(ctx, storage.HPAdjustment{
		UserID: user.ID,
		Day:    req.Date,
		Kind:   progress.HPKindHealing,
		Source: sessionID,
		Delta:  user.Settings.HealingHP,
	})
}

func (s *Service) adjustHP(ctx context.Context, adj storage.HPAdjustment) (storage.HPResult, error) {
	result, err := s.store.ApplyHPAdjustment(ctx, adj)
	if err != nil {
		return storage.HPResult{}, err
	}
	if result.Duplicate || result.Applied == 0 {
		return result, nil
	}
	if err := s.audit.EmitRecord(ctx, audit.Record{
		Name:       audit.EventHPAdjusted,
		UserID:     adj.UserID,
		EntityType: string(adj.Kind),
		EntityID:   adj.Source,
		Payload: map[string]any{
			"day":     adj.Day,
			"applied": result.Applied,
			"hp":      result.HP,
		},
	}); err != nil {
		return storage.HPResult{}, fmt.Errorf("audit hp adjustment: %w", err)
	}
	return result, nil
}

// RefreshStreak recomputes the user's streak from the ledger.
func (s *Service) RefreshStreak(ctx context.Context, userID string) (out progress.Streak, err error) {
	ctx, span := s.startSpan(ctx, "RefreshStreak", userID)
	defer func() { endSpan(span, err) }()

	user, loc, err := s.user(ctx, userID)
	if err != nil {
		return progress.Streak{}, err
	}
	return s.refreshStreak(ctx, user, loc)
}

func (s *Service) refreshStreak(ctx context.Context, user storage.User, loc *time.Location) (progress.Streak, error) {
	return s.store.RefreshStreak(ctx, user.ID, loc, progress.DayKey(s.now(), loc))
}

// ProgressView is a read model of the user's aggregate.
type ProgressView struct {
	User storage.User
	// NextLevelXP is the total needed for the next level; zero at max level.
	NextLevelXP int64
}

// Progress returns the user's aggregate state. The streak is recomputed for
// the current local day, so days without activity break it on read.
func (s *Service) Progress(ctx context.Context, userID string) (out ProgressView, err error) {
	ctx, span := s.startSpan(ctx, "Progress", userID)
	defer func() { endSpan(span, err) }()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return ProgressView{}, err
	}
	loc, err := progress.LoadLocation(user.Timezone)
	if err != nil {
		return ProgressView{}, err
	}
	streak, err := s.refreshStreak(ctx, user, loc)
	if err != nil {
		return ProgressView{}, err
	}
	user.CurrentStreak = streak.Current
	user.LongestStreak = streak.Longest
	out.User = user
	if next, ok := progress.ThresholdFor(user.CurrentLevel + 1); ok {
		out.NextLevelXP = next
	}
	return out, nil
}

// History lists the newest ledger events for a user.
func (s *Service) History(ctx context.Context, userID string, currency points.Currency, limit int) (out []points.Event, err error) {
	ctx, span := s.startSpan(ctx, "History", userID)
	defer func() { endSpan(span, err) }()

	return s.store.ListEvents(ctx, currency, userID, limit)
}

// UpdateSettings parses, validates and stores a settings document.
func (s *Service) UpdateSettings(ctx context.Context, userID string, raw []byte) (out policy.Settings, err error) {
	ctx, span := s.startSpan(ctx, "UpdateSettings", userID)
	defer func() { endSpan(span, err) }()

	settings, err := policy.ParseSettings(raw)
	if err != nil {
		return policy.Settings{}, err
	}
	user, err := s.store.PutSettings(ctx, userID, settings)
	if err != nil {
		return policy.Settings{}, err
	}
	if err := s.audit.EmitRecord(ctx, audit.Record{
		Name:       audit.EventSettingsUpdated,
		UserID:     user.ID,
		EntityType: "settings",
		EntityID:   user.ID,
		Payload:    user.Settings,
	}); err != nil {
		return policy.Settings{}, fmt.Errorf("audit settings update: %w", err)
	}
	return user.Settings, nil
}

// SetTimezone changes the timezone that defines the user's days.
func (s *Service) SetTimezone(ctx context.Context, userID, timezone string) (out storage.User, err error) {
	ctx, span := s.startSpan(ctx, "SetTimezone", userID)
	defer func() { endSpan(span, err) }()

	user, err := s.store.SetTimezone(ctx, userID, timezone)
	if err != nil {
		return storage.User{}, err
	}
	if err := s.audit.EmitRecord(ctx, audit.Record{
		Name:       audit.EventTimezoneUpdated,
		UserID:     user.ID,
		EntityType: "user",
		EntityID:   user.ID,
		Payload:    map[string]string{"timezone": user.Timezone},
	}); err != nil {
		return storage.User{}, fmt.Errorf("audit timezone update: %w", err)
	}
	return user, nil
}

// SpendRequest buys construction segments with build points.
type SpendRequest struct {
	UserID    string
	RequestID string
	Segments  int
	Locale    string
}

// SpendBuildPoints converts build points into construction segments.
func (s *Service) SpendBuildPoints(ctx context.Context, req SpendRequest) (out points.Result, err error) {
	ctx, span := s.startSpan(ctx, "SpendBuildPoints", req.UserID)
	defer func() { endSpan(span, err) }()

	requestID, err := requireID("request id", req.RequestID)
	if err != nil {
		return points.Result{}, err
	}
	if req.Segments < 1 {
		return points.Result{}, apperrors.WithMetadata(apperrors.CodeInvalidRange, "segments must be positive", map[string]string{
			"Field": "segments",
			"Min":   "1",
		})
	}
	user, _, err := s.user(ctx, req.UserID)
	if err != nil {
		return points.Result{}, err
	}
	cost := req.Segments * user.Settings.SegmentCost
	return s.store.RecordBuildEvent(ctx, points.RecordRequest{
		UserID:      user.ID,
		Type:        points.TypeSegmentSpend,
		Delta:       -int64(cost),
		Related:     points.EntityRef{Type: "segment_purchase", ID: requestID},
		Description: i18n.Describe(req.Locale, i18n.KeySegmentSpend, cost, req.Segments),
		DedupeKey:   points.SpendKey(user.ID, requestID),
	})
}

func truthAttributes(result storage.ConsequenceResult) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("truth.status", string(result.Check.Status)),
		attribute.String("truth.reason", string(result.Reason)),
		attribute.Bool("truth.applied", result.Applied),
	}
}
