package policy

import (
	"testing"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
)

func TestParseSettingsEmptyUsesDefaults(t *testing.T) {
	got, err := ParseSettings(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != DefaultSettings() {
		t.Fatalf("settings = %+v, want defaults", got)
	}
}

func TestParseSettingsOverlaysDefaults(t *testing.T) {
	got, err := ParseSettings([]byte(`{"version":1,"urge_xp":15,"xp_multiplier":1.25}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.UrgeXP != 15 || got.XPMultiplier != 1.25 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.BlockMaxMinutes != DefaultSettings().BlockMaxMinutes {
		t.Fatalf("defaults lost: %+v", got)
	}
}

func TestParseSettingsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"bad json":        `{"urge_xp":`,
		"version":         `{"version":2}`,
		"inverted block":  `{"block_min_minutes":60,"block_max_minutes":30}`,
		"endurance":       `{"endurance_floor_minutes":120,"endurance_ceiling_minutes":120}`,
		"multiplier":      `{"xp_multiplier":0}`,
		"task order":      `{"task_xp_low":30}`,
		"segment cost":    `{"segment_cost":0}`,
		"negative urge":   `{"urge_xp":-1}`,
		"unbounded block": `{"block_max_minutes":2000}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSettings([]byte(raw))
			if !apperrors.HasCode(err, apperrors.CodeSettingsInvalid) {
				t.Fatalf("err = %v, want settings invalid", err)
			}
		})
	}
}

func TestSettingsEncodeRoundTrip(t *testing.T) {
	s := DefaultSettings()
	s.UrgeXP = 12
	raw, err := s.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ParseSettings(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != s {
		t.Fatalf("settings = %+v, want %+v", got, s)
	}
}
