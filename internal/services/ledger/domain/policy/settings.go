// Package policy computes point amounts and accepted input ranges from a user's
// settings snapshot.
//
// Every function is pure: the settings snapshot is an explicit argument, no
// ambient state is read, and identical inputs give identical outputs. Callers
// round-trip settings through ParseSettings at the edge; nothing in this
// package trusts a Settings value it did not validate.
package policy

import (
	"encoding/json"
	"fmt"
	"strconv"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
)

// SettingsVersion is the current settings schema version.
const SettingsVersion = 1

// Settings is the per-user policy configuration snapshot.
type Settings struct {
	Version int `json:"version"`

	// Block durations accepted for a new phone-free block, inclusive.
	BlockMinMinutes int `json:"block_min_minutes"`
	BlockMaxMinutes int `json:"block_max_minutes"`

	// Base block reward is XPPerMinute for every minute up to BaseCapMinutes.
	XPPerMinute    int `json:"xp_per_minute"`
	BaseCapMinutes int `json:"base_cap_minutes"`

	// Endurance bonus ramps from zero at the floor to the max at the ceiling.
	EnduranceFloorMinutes   int `json:"endurance_floor_minutes"`
	EnduranceCeilingMinutes int `json:"endurance_ceiling_minutes"`
	EnduranceMaxBonus       int `json:"endurance_max_bonus"`

	XPMultiplier float64 `json:"xp_multiplier"`

	UrgeXP int `json:"urge_xp"`

	TaskXPLow    int `json:"task_xp_low"`
	TaskXPMedium int `json:"task_xp_medium"`
	TaskXPHigh   int `json:"task_xp_high"`

	ViolationXPPenalty int `json:"violation_xp_penalty"`
	ViolationHPPenalty int `json:"violation_hp_penalty"`

	// Build points fund construction segments and have their own knobs.
	BuildMinutesPerPoint int     `json:"build_minutes_per_point"`
	BuildMultiplier      float64 `json:"build_multiplier"`
	BuildPointsPerTask   int     `json:"build_points_per_task"`
	BuildDailyCap        int     `json:"build_daily_cap"`
	SegmentCost          int     `json:"segment_cost"`

	HealingHP int `json:"healing_hp"`
}

// DefaultSettings returns the settings applied to users without overrides.
func DefaultSettings() Settings {
	return Settings{
		Version:                 SettingsVersion,
		BlockMinMinutes:         15,
		BlockMaxMinutes:         240,
		XPPerMinute:             1,
		BaseCapMinutes:          120,
		EnduranceFloorMinutes:   30,
		EnduranceCeilingMinutes: 120,
		EnduranceMaxBonus:       30,
		XPMultiplier:            1,
		UrgeXP:                  10,
		TaskXPLow:               5,
		TaskXPMedium:            10,
		TaskXPHigh:              20,
		ViolationXPPenalty:      25,
		ViolationHPPenalty:      10,
		BuildMinutesPerPoint:    10,
		BuildMultiplier:         1,
		BuildPointsPerTask:      2,
		BuildDailyCap:           50,
		SegmentCost:             25,
		HealingHP:               5,
	}
}

// ParseSettings decodes a stored settings blob over the defaults and validates it.
// An empty blob yields the defaults.
func ParseSettings(raw []byte) (Settings, error) {
	settings := DefaultSettings()
	if len(raw) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, apperrors.WithMetadata(apperrors.CodeSettingsInvalid, "decode settings", map[string]string{"Reason": err.Error()})
	}
	if settings.Version == 0 {
		settings.Version = SettingsVersion
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Encode serializes settings for storage.
func (s Settings) Encode() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return raw, nil
}

// Validate checks internal consistency of the settings.
func (s Settings) Validate() error {
	switch {
	case s.Version != SettingsVersion:
		return invalidSettings("unsupported version " + strconv.Itoa(s.Version))
	case s.BlockMinMinutes <= 0:
		return invalidSettings("block_min_minutes must be positive")
	case s.BlockMaxMinutes < s.BlockMinMinutes:
		return invalidSettings("block_max_minutes must not be below block_min_minutes")
	case s.BlockMaxMinutes > MinutesPerDay:
		return invalidSettings("block_max_minutes must fit in one day")
	case s.XPPerMinute < 0 || s.BaseCapMinutes <= 0:
		return invalidSettings("block base reward must be non-negative with a positive cap")
	case s.EnduranceFloorMinutes < 0 || s.EnduranceCeilingMinutes <= s.EnduranceFloorMinutes:
		return invalidSettings("endurance ceiling must be above the floor")
	case s.EnduranceMaxBonus < 0:
		return invalidSettings("endurance_max_bonus must be non-negative")
	case s.XPMultiplier <= 0 || s.XPMultiplier > 10:
		return invalidSettings("xp_multiplier must be in (0, 10]")
	case s.UrgeXP < 0:
		return invalidSettings("urge_xp must be non-negative")
	case s.TaskXPLow < 0 || s.TaskXPMedium < s.TaskXPLow || s.TaskXPHigh < s.TaskXPMedium:
		return invalidSettings("task rewards must be non-negative and ordered low <= medium <= high")
	case s.ViolationXPPenalty < 0 || s.ViolationHPPenalty < 0 || s.ViolationHPPenalty > MaxHP:
		return invalidSettings("violation penalties must be non-negative magnitudes")
	case s.BuildMinutesPerPoint <= 0:
		return invalidSettings("build_minutes_per_point must be positive")
	case s.BuildMultiplier <= 0 || s.BuildMultiplier > 10:
		return invalidSettings("build_multiplier must be in (0, 10]")
	case s.BuildPointsPerTask < 0 || s.BuildDailyCap < 0:
		return invalidSettings("build rewards must be non-negative")
	case s.SegmentCost <= 0:
		return invalidSettings("segment_cost must be positive")
	case s.HealingHP < 0 || s.HealingHP > MaxHP:
		return invalidSettings("healing_hp must be within the hp range")
	}
	return nil
}

func invalidSettings(reason string) error {
	return apperrors.WithMetadata(apperrors.CodeSettingsInvalid, "invalid settings: "+reason, map[string]string{"Reason": reason})
}
