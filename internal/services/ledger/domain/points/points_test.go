package points

import (
	"testing"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
)

func TestCurrencyAllows(t *testing.T) {
	if !CurrencyXP.Allows(TypeLiePenalty) {
		t.Fatal("xp ledger must accept lie penalties")
	}
	if CurrencyBuild.Allows(TypeLiePenalty) {
		t.Fatal("build ledger must not accept lie penalties")
	}
	if CurrencyXP.Allows(TypeSegmentSpend) {
		t.Fatal("xp ledger must not accept segment spends")
	}
	if Currency("gold").Allows(TypeBlockComplete) {
		t.Fatal("unknown currency must reject everything")
	}
}

func TestRecordRequestNormalize(t *testing.T) {
	req, err := RecordRequest{
		UserID:    "  user-1 ",
		Type:      TypeBlockComplete,
		Delta:     40,
		DedupeKey: " block:b1 ",
		Related:   EntityRef{Type: " block ", ID: " b1 "},
	}.Normalize(CurrencyXP)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.UserID != "user-1" || req.DedupeKey != "block:b1" || req.Related.ID != "b1" {
		t.Fatalf("request not trimmed: %+v", req)
	}

	if _, err := (RecordRequest{Type: TypeBlockComplete}).Normalize(CurrencyXP); !apperrors.HasCode(err, apperrors.CodeUserIDEmpty) {
		t.Fatalf("err = %v, want user id empty", err)
	}
	if _, err := (RecordRequest{UserID: "u", Type: "party"}).Normalize(CurrencyXP); !apperrors.HasCode(err, apperrors.CodeEventTypeInvalid) {
		t.Fatalf("err = %v, want event type invalid", err)
	}
}

func TestDedupeKeys(t *testing.T) {
	if got := LieKey("user-1", "2026-03-01"); got != "lie:user-1:2026-03-01" {
		t.Fatalf("lie key = %q", got)
	}
	if BlockKey("user-1", "b1") == BlockBuildKey("user-1", "b1") {
		t.Fatal("xp and build keys for the same block must differ")
	}
	if BlockKey("user-1", "b1") == BlockKey("user-2", "b1") {
		t.Fatal("block keys for different users must differ")
	}
	if got := SpendKey("user-1", " s1 "); got != "spend:user-1:s1" {
		t.Fatalf("spend key = %q", got)
	}
}

func TestReplayResultRejectsOtherUser(t *testing.T) {
	stored := Event{ID: "e1", UserID: "alice", DedupeKey: "block:alice:b1", TotalAfter: 70}
	got, err := ReplayResult(stored, "alice")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !got.Duplicate || got.NewTotal != 70 {
		t.Fatalf("result = %+v", got)
	}
	if _, err := ReplayResult(stored, "bob"); !apperrors.HasCode(err, apperrors.CodeStoreConflict) {
		t.Fatalf("err = %v, want store conflict", err)
	}
}

func TestResultFromEvent(t *testing.T) {
	evt := Event{ID: "e1", TotalAfter: 150, LevelAfter: 2, LevelUp: true}
	got := ResultFromEvent(evt, true)
	if got.NewTotal != 150 || got.NewLevel != 2 || !got.LevelUp || !got.Duplicate {
		t.Fatalf("result = %+v", got)
	}
}
