package policy

import (
	"math"
	"strconv"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
)

const (
	// MinutesPerDay bounds any per-day minute count.
	MinutesPerDay = 24 * 60
	// MaxHP is the upper bound of a user's hit points.
	MaxHP = 100

	// MinUrgeIntensity and MaxUrgeIntensity bound a logged urge.
	MinUrgeIntensity = 1
	MaxUrgeIntensity = 10
)

// Truth reconciliation constants. They are fixed policy and not part
// of the per-user Settings snapshot.
const (
	// TruthThresholdMinutes is the largest |reported - verified| still treated as a match.
	TruthThresholdMinutes = 5
	// LiePenaltyPerMinute is the XP deducted per minute of discrepancy.
	LiePenaltyPerMinute = 2
)

// DurationRange is an inclusive minute range.
type DurationRange struct {
	Min int
	Max int
}

// Contains reports whether minutes lies inside the range.
func (r DurationRange) Contains(minutes int) bool {
	return minutes >= r.Min && minutes <= r.Max
}

// BlockXP is the breakdown of a phone-free block reward.
type BlockXP struct {
	Base  int
	Bonus int
	Total int
}

// BlockContext carries the non-duration facts about a finished block.
type BlockContext struct {
	// EndedEarly marks a block the user stopped before its planned end; it keeps
	// the base reward for the minutes held but earns no endurance bonus.
	EndedEarly bool
}

// UrgeContext describes a logged urge.
type UrgeContext struct {
	Intensity int
	// InActiveBlock is true when the urge happened inside a running phone-free
	// block, whose completion already rewards that time window.
	InActiveBlock bool
}

// TaskPriority ranks a completed task.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

// BlockDurationOptions returns the inclusive range of accepted block durations.
func BlockDurationOptions(s Settings) DurationRange {
	return DurationRange{Min: s.BlockMinMinutes, Max: s.BlockMaxMinutes}
}

// ValidateBlockDuration rejects durations outside BlockDurationOptions.
func ValidateBlockDuration(minutes int, s Settings) error {
	bounds := BlockDurationOptions(s)
	if bounds.Contains(minutes) {
		return nil
	}
	return invalidRange("duration_minutes", bounds.Min, bounds.Max, minutes)
}

// EnduranceBonus returns the endurance bonus for a block of the given length.
//
// Zero at or below the floor, the full bonus at or above the ceiling, and a
// linear integer ramp in between. It depends on duration alone.
func EnduranceBonus(minutes int, s Settings) int {
	floor, ceiling := s.EnduranceFloorMinutes, s.EnduranceCeilingMinutes
	switch {
	case minutes <= floor:
		return 0
	case minutes >= ceiling:
		return s.EnduranceMaxBonus
	}
	return s.EnduranceMaxBonus * (minutes - floor) / (ceiling - floor)
}

// SaturationMinutes is the duration at and above which CalculateBlockXP stops growing.
func SaturationMinutes(s Settings) int {
	return max(s.BaseCapMinutes, s.EnduranceCeilingMinutes)
}

// CalculateBlockXP computes the reward for a completed phone-free block.
//
// The result is monotonic non-decreasing in minutes and constant for every
// duration at or above SaturationMinutes.
func CalculateBlockXP(minutes int, ctx BlockContext, s Settings) BlockXP {
	minutes = max(minutes, 0)
	base := s.XPPerMinute * min(minutes, s.BaseCapMinutes)
	bonus := 0
	if !ctx.EndedEarly {
		bonus = EnduranceBonus(minutes, s)
	}
	return BlockXP{
		Base:  base,
		Bonus: bonus,
		Total: scale(base+bonus, s.XPMultiplier),
	}
}

// CalculateUrgeXP returns the reward for logging a resisted urge.
func CalculateUrgeXP(ctx UrgeContext, s Settings) (int, error) {
	if ctx.Intensity < MinUrgeIntensity || ctx.Intensity > MaxUrgeIntensity {
		return 0, invalidRange("intensity", MinUrgeIntensity, MaxUrgeIntensity, ctx.Intensity)
	}
	if ctx.InActiveBlock {
		return 0, nil
	}
	return scale(s.UrgeXP, s.XPMultiplier), nil
}

// CalculateTaskXP returns the reward for a completed task.
func CalculateTaskXP(priority TaskPriority, s Settings) (int, error) {
	var base int
	switch priority {
	case TaskPriorityLow:
		base = s.TaskXPLow
	case TaskPriorityMedium, "":
		base = s.TaskXPMedium
	case TaskPriorityHigh:
		base = s.TaskXPHigh
	default:
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidRange, "unknown task priority "+string(priority), map[string]string{
			"Field": "priority",
			"Min":   string(TaskPriorityLow),
			"Max":   string(TaskPriorityHigh),
		})
	}
	return scale(base, s.XPMultiplier), nil
}

// ViolationPenalty returns the signed XP and HP deltas for a phone violation.
// Multipliers never scale penalties.
func ViolationPenalty(s Settings) (xp int, hp int) {
	return -s.ViolationXPPenalty, -s.ViolationHPPenalty
}

// LiePenalty returns the signed XP delta for a usage-report discrepancy.
func LiePenalty(deltaMinutes int) int {
	if deltaMinutes < 0 {
		deltaMinutes = -deltaMinutes
	}
	return -LiePenaltyPerMinute * deltaMinutes
}

// CalculateBlockBuildPoints returns build points earned by a block.
func CalculateBlockBuildPoints(minutes int, s Settings) int {
	if minutes <= 0 {
		return 0
	}
	return scale(minutes/s.BuildMinutesPerPoint, s.BuildMultiplier)
}

// CalculateTaskBuildPoints returns build points earned by a completed task.
func CalculateTaskBuildPoints(s Settings) int {
	return scale(s.BuildPointsPerTask, s.BuildMultiplier)
}

// ClampBuildPoints limits amount so the day's build earnings stay under the cap.
func ClampBuildPoints(earnedToday, amount int, s Settings) int {
	remaining := max(s.BuildDailyCap-earnedToday, 0)
	return max(min(amount, remaining), 0)
}

// SegmentsFor returns how many construction segments spent points complete.
func SegmentsFor(spent int, s Settings) int {
	if spent <= 0 {
		return 0
	}
	return spent / s.SegmentCost
}

// SleepHPDelta maps a 1-5 sleep quality rating to an HP change.
func SleepHPDelta(quality int) (int, error) {
	switch quality {
	case 1:
		return -10, nil
	case 2:
		return -5, nil
	case 3:
		return 0, nil
	case 4:
		return 5, nil
	case 5:
		return 10, nil
	}
	return 0, invalidRange("sleep_quality", 1, 5, quality)
}

// ValidateUsageMinutes rejects self-reported or verified minutes outside one day.
func ValidateUsageMinutes(field string, minutes int) error {
	if minutes < 0 || minutes > MinutesPerDay {
		return invalidRange(field, 0, MinutesPerDay, minutes)
	}
	return nil
}

func scale(points int, multiplier float64) int {
	return int(math.Round(float64(points) * multiplier))
}

func invalidRange(field string, lo, hi, got int) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidRange, field+" out of range: "+strconv.Itoa(got), map[string]string{
		"Field": field,
		"Min":   strconv.Itoa(lo),
		"Max":   strconv.Itoa(hi),
	})
}
