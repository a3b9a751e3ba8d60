package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/services/ledger/audit"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/policy"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage/sqlite"
)

var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	return newTestServiceWithClock(t, func() time.Time { return testNow })
}

func newTestServiceWithClock(t *testing.T, clock func() time.Time) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.sqlite"), sqlite.WithClock(clock))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	svc, err := NewService(store, WithClock(clock))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func TestNewServiceRequiresStore(t *testing.T) {
	if _, err := NewService(nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestCompleteBlockAwardsXPBuildAndStreak(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	out, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-1", PlannedMinutes: 60})
	if err != nil {
		t.Fatalf("complete block: %v", err)
	}
	if out.XP.Base != 60 || out.XP.Bonus != 10 || out.XP.Total != 70 {
		t.Fatalf("xp = %+v, want base 60 bonus 10 total 70", out.XP)
	}
	if out.Ledger.NewTotal != 70 || out.Ledger.Duplicate {
		t.Fatalf("ledger = %+v, want new total 70", out.Ledger)
	}
	if out.Build == nil || out.Build.Event.Delta != 6 {
		t.Fatalf("build = %+v, want 6 points", out.Build)
	}
	if out.Streak.Current != 1 || out.Streak.Longest != 1 {
		t.Fatalf("streak = %+v, want 1/1", out.Streak)
	}

	replay, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-1", PlannedMinutes: 60})
	if err != nil {
		t.Fatalf("replay block: %v", err)
	}
	if !replay.Ledger.Duplicate || replay.Ledger.Event.ID != out.Ledger.Event.ID {
		t.Fatalf("replay ledger = %+v, want duplicate of %s", replay.Ledger, out.Ledger.Event.ID)
	}
	if replay.Build == nil || !replay.Build.Duplicate {
		t.Fatalf("replay build = %+v, want duplicate", replay.Build)
	}

	user, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.TotalXP != 70 || user.TotalBuildPoints != 6 {
		t.Fatalf("user totals = %d xp / %d build, want 70 / 6", user.TotalXP, user.TotalBuildPoints)
	}
}

func TestCompleteBlockSameBlockIDAcrossUsers(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	alice, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "alice", BlockID: "b1", PlannedMinutes: 60})
	if err != nil {
		t.Fatalf("alice block: %v", err)
	}
	bob, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "bob", BlockID: "b1", PlannedMinutes: 60})
	if err != nil {
		t.Fatalf("bob block: %v", err)
	}
	if bob.Ledger.Duplicate || bob.Ledger.Event.UserID != "bob" || bob.Ledger.NewTotal != 70 {
		t.Fatalf("bob ledger = %+v, want fresh 70 xp append for bob", bob.Ledger)
	}
	if bob.Build == nil || bob.Build.Duplicate || bob.Build.Event.UserID != "bob" {
		t.Fatalf("bob build = %+v, want fresh append for bob", bob.Build)
	}
	if alice.Ledger.Event.ID == bob.Ledger.Event.ID {
		t.Fatal("users must not share ledger events")
	}

	for _, id := range []string{"alice", "bob"} {
		user, err := store.GetUser(ctx, id)
		if err != nil {
			t.Fatalf("get user %s: %v", id, err)
		}
		if user.TotalXP != 70 || user.TotalBuildPoints != 6 {
			t.Fatalf("%s totals = %d xp / %d build, want 70 / 6", id, user.TotalXP, user.TotalBuildPoints)
		}
	}
}

func TestCompleteBlockEndedEarly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-1", PlannedMinutes: 60, HeldMinutes: 20, EndedEarly: true})
	if err != nil {
		t.Fatalf("complete block: %v", err)
	}
	if out.XP.Total != 20 || out.XP.Bonus != 0 {
		t.Fatalf("xp = %+v, want total 20 without bonus", out.XP)
	}
	if out.Build == nil || out.Build.Event.Delta != 2 {
		t.Fatalf("build = %+v, want 2 points", out.Build)
	}

	_, err = svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-2", PlannedMinutes: 60, HeldMinutes: 61, EndedEarly: true})
	if !apperrors.HasCode(err, apperrors.CodeInvalidRange) {
		t.Fatalf("held > planned error = %v, want %s", err, apperrors.CodeInvalidRange)
	}
}

func TestCompleteBlockValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", PlannedMinutes: 60}); err == nil {
		t.Fatal("expected error for missing block id")
	}
	_, err := svc.CompleteBlock(ctx, BlockRequest{UserID: " ", BlockID: "block-1", PlannedMinutes: 60})
	if !apperrors.HasCode(err, apperrors.CodeUserIDEmpty) {
		t.Fatalf("empty user error = %v, want %s", err, apperrors.CodeUserIDEmpty)
	}
	if _, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-1", PlannedMinutes: 5}); err == nil {
		t.Fatal("expected error for block shorter than the minimum")
	}
}

func TestBuildPointsRespectDailyCap(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	want := []int64{24, 24, 2}
	for i, delta := range want {
		out, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-" + string(rune('a'+i)), PlannedMinutes: 240})
		if err != nil {
			t.Fatalf("complete block %d: %v", i, err)
		}
		if out.Build == nil || out.Build.Event.Delta != delta {
			t.Fatalf("block %d build = %+v, want %d", i, out.Build, delta)
		}
	}
	out, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-z", PlannedMinutes: 240})
	if err != nil {
		t.Fatalf("complete capped block: %v", err)
	}
	if out.Build != nil {
		t.Fatalf("capped build = %+v, want nil", out.Build)
	}
	if out.Ledger.Event.Delta <= 0 {
		t.Fatalf("capped block xp = %d, want positive", out.Ledger.Event.Delta)
	}

	user, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.TotalBuildPoints != 50 {
		t.Fatalf("build total = %d, want 50", user.TotalBuildPoints)
	}
}

func TestResistUrge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.ResistUrge(ctx, UrgeRequest{UserID: "user-1", UrgeID: "urge-1", Intensity: 7})
	if err != nil {
		t.Fatalf("resist urge: %v", err)
	}
	if out.XP != 10 || out.Ledger == nil || out.Ledger.NewTotal != 10 {
		t.Fatalf("urge = %+v, want 10 xp appended", out)
	}

	inBlock, err := svc.ResistUrge(ctx, UrgeRequest{UserID: "user-1", UrgeID: "urge-2", Intensity: 7, InActiveBlock: true})
	if err != nil {
		t.Fatalf("resist urge in block: %v", err)
	}
	if inBlock.XP != 0 || inBlock.Ledger != nil {
		t.Fatalf("urge in block = %+v, want no append", inBlock)
	}

	_, err = svc.ResistUrge(ctx, UrgeRequest{UserID: "user-1", UrgeID: "urge-3", Intensity: 11})
	if !apperrors.HasCode(err, apperrors.CodeInvalidRange) {
		t.Fatalf("intensity error = %v, want %s", err, apperrors.CodeInvalidRange)
	}
}

func TestUrgeInsideBlockIsNotCountedTwice(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	urge, err := svc.ResistUrge(ctx, UrgeRequest{UserID: "user-1", UrgeID: "urge-1", Intensity: 9, InActiveBlock: true})
	if err != nil {
		t.Fatalf("resist urge in block: %v", err)
	}
	if urge.XP != 0 || urge.Ledger != nil {
		t.Fatalf("urge in block = %+v, want no reward", urge)
	}

	block, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-1", PlannedMinutes: 60})
	if err != nil {
		t.Fatalf("complete block: %v", err)
	}
	if block.XP.Total != 70 || block.Ledger.NewTotal != 70 {
		t.Fatalf("block = %+v, want full 70 xp", block.XP)
	}

	user, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	sum, err := store.SumDeltas(ctx, points.CurrencyXP, "user-1")
	if err != nil {
		t.Fatalf("sum deltas: %v", err)
	}
	if user.TotalXP != 70 || sum != 70 {
		t.Fatalf("total xp = %d sum = %d, want 70", user.TotalXP, sum)
	}
	history, err := svc.History(ctx, "user-1", points.CurrencyXP, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Type != points.TypeBlockComplete {
		t.Fatalf("history = %+v, want only the block", history)
	}
}

func TestCompleteTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	out, err := svc.CompleteTask(ctx, TaskRequest{UserID: "user-1", TaskID: "task-1", Title: "Taxes", Priority: policy.TaskPriorityHigh})
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if out.XP != 20 || out.Ledger.NewTotal != 20 {
		t.Fatalf("task = %+v, want 20 xp", out)
	}
	if out.Build == nil || out.Build.Event.Delta != 2 {
		t.Fatalf("task build = %+v, want 2", out.Build)
	}
	if out.Ledger.Event.Description == "" {
		t.Fatal("expected localized description")
	}

	_, err = svc.CompleteTask(ctx, TaskRequest{UserID: "user-1", TaskID: "task-2", Priority: "urgent"})
	if !apperrors.HasCode(err, apperrors.CodeInvalidRange) {
		t.Fatalf("priority error = %v, want %s", err, apperrors.CodeInvalidRange)
	}
}

func TestRecordViolationDeductsXPAndHPOnce(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	out, err := svc.RecordViolation(ctx, ViolationRequest{UserID: "user-1", ViolationID: "v-1", Reason: "scrolling"})
	if err != nil {
		t.Fatalf("record violation: %v", err)
	}
	if out.Ledger.NewTotal != -25 {
		t.Fatalf("xp total = %d, want -25", out.Ledger.NewTotal)
	}
	if out.HP.HP != 90 || out.HP.Applied != -10 {
		t.Fatalf("hp = %+v, want 90 applied -10", out.HP)
	}

	replay, err := svc.RecordViolation(ctx, ViolationRequest{UserID: "user-1", ViolationID: "v-1", Reason: "scrolling"})
	if err != nil {
		t.Fatalf("replay violation: %v", err)
	}
	if !replay.Ledger.Duplicate || !replay.HP.Duplicate || replay.HP.HP != 90 {
		t.Fatalf("replay = %+v, want duplicates at 90 hp", replay)
	}

	events, err := store.ListAuditEvents(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	var hpEvents int
	for _, evt := range events {
		if evt.EventName == audit.EventHPAdjusted {
			hpEvents++
		}
	}
	if hpEvents != 1 {
		t.Fatalf("hp audit events = %d, want 1", hpEvents)
	}
}

func TestRecordSleepAndHealing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sleep, err := svc.RecordSleep(ctx, SleepRequest{UserID: "user-1", Date: "2026-03-10", Quality: 1})
	if err != nil {
		t.Fatalf("record sleep: %v", err)
	}
	if sleep.HP != 90 {
		t.Fatalf("hp after poor sleep = %d, want 90", sleep.HP)
	}
	again, err := svc.RecordSleep(ctx, SleepRequest{UserID: "user-1", Date: "2026-03-10", Quality: 5})
	if err != nil {
		t.Fatalf("record sleep again: %v", err)
	}
	if !again.Duplicate || again.HP != 90 {
		t.Fatalf("second sleep = %+v, want duplicate at 90", again)
	}

	healed, err := svc.RecordHealing(ctx, HealingRequest{UserID: "user-1", SessionID: "walk-1", Date: "2026-03-10"})
	if err != nil {
		t.Fatalf("record healing: %v", err)
	}
	if healed.HP != 95 || healed.Applied != 5 {
		t.Fatalf("healing = %+v, want 95 applied 5", healed)
	}

	_, err = svc.RecordSleep(ctx, SleepRequest{UserID: "user-1", Date: "2026-03-11", Quality: 0})
	if !apperrors.HasCode(err, apperrors.CodeInvalidRange) {
		t.Fatalf("quality error = %v, want %s", err, apperrors.CodeInvalidRange)
	}
	_, err = svc.RecordSleep(ctx, SleepRequest{UserID: "user-1", Date: "March 11", Quality: 3})
	if !apperrors.HasCode(err, apperrors.CodeDateInvalid) {
		t.Fatalf("date error = %v, want %s", err, apperrors.CodeDateInvalid)
	}
}

func TestProgressAndHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Progress(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("progress unknown user error = %v, want not found", err)
	}

	if _, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-1", PlannedMinutes: 60}); err != nil {
		t.Fatalf("complete block: %v", err)
	}
	if _, err := svc.ResistUrge(ctx, UrgeRequest{UserID: "user-1", UrgeID: "urge-1", Intensity: 3}); err != nil {
		t.Fatalf("resist urge: %v", err)
	}

	view, err := svc.Progress(ctx, "user-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if view.User.TotalXP != 80 || view.User.CurrentLevel != 1 || view.NextLevelXP != 100 {
		t.Fatalf("progress = %+v, want 80 xp level 1 next 100", view)
	}

	history, err := svc.History(ctx, "user-1", points.CurrencyXP, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Type != points.TypeUrgeResist {
		t.Fatalf("history = %+v, want urge first of 2", history)
	}
}

func TestProgressBreaksStreakAfterGap(t *testing.T) {
	clock := &testClock{now: testNow}
	svc, store := newTestServiceWithClock(t, clock.Now)
	ctx := context.Background()

	out, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: "block-1", PlannedMinutes: 60})
	if err != nil {
		t.Fatalf("complete block: %v", err)
	}
	if out.Streak.Current != 1 {
		t.Fatalf("streak = %+v, want 1", out.Streak)
	}

	clock.Advance(24 * time.Hour)
	view, err := svc.Progress(ctx, "user-1")
	if err != nil {
		t.Fatalf("progress next day: %v", err)
	}
	if view.User.CurrentStreak != 1 {
		t.Fatalf("streak next day = %d, want 1 while the day is open", view.User.CurrentStreak)
	}

	clock.Advance(4 * 24 * time.Hour)
	view, err = svc.Progress(ctx, "user-1")
	if err != nil {
		t.Fatalf("progress after gap: %v", err)
	}
	if view.User.CurrentStreak != 0 || view.User.LongestStreak != 1 {
		t.Fatalf("streak after gap = %d/%d, want 0/1", view.User.CurrentStreak, view.User.LongestStreak)
	}
	user, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.CurrentStreak != 0 {
		t.Fatalf("stored streak = %d, want 0", user.CurrentStreak)
	}
}

func TestUpdateSettingsAndTimezone(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	settings, err := svc.UpdateSettings(ctx, "user-1", []byte(`{"urge_xp": 40}`))
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if settings.UrgeXP != 40 || settings.SegmentCost != policy.DefaultSettings().SegmentCost {
		t.Fatalf("settings = %+v, want urge xp 40 over defaults", settings)
	}
	out, err := svc.ResistUrge(ctx, UrgeRequest{UserID: "user-1", UrgeID: "urge-1", Intensity: 5})
	if err != nil {
		t.Fatalf("resist urge: %v", err)
	}
	if out.XP != 40 {
		t.Fatalf("urge xp = %d, want 40", out.XP)
	}

	_, err = svc.UpdateSettings(ctx, "user-1", []byte(`{"segment_cost": 0}`))
	if !apperrors.HasCode(err, apperrors.CodeSettingsInvalid) {
		t.Fatalf("invalid settings error = %v, want %s", err, apperrors.CodeSettingsInvalid)
	}

	user, err := svc.SetTimezone(ctx, "user-1", "Europe/Lisbon")
	if err != nil {
		t.Fatalf("set timezone: %v", err)
	}
	if user.Timezone != "Europe/Lisbon" {
		t.Fatalf("timezone = %q, want Europe/Lisbon", user.Timezone)
	}
	if _, err := svc.SetTimezone(ctx, "user-1", "Mars/Base"); !apperrors.HasCode(err, apperrors.CodeTimezoneInvalid) {
		t.Fatalf("timezone error = %v, want %s", err, apperrors.CodeTimezoneInvalid)
	}

	events, err := store.ListAuditEvents(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	names := map[string]bool{}
	for _, evt := range events {
		names[evt.EventName] = true
	}
	if !names[audit.EventSettingsUpdated] || !names[audit.EventTimezoneUpdated] {
		t.Fatalf("audit names = %v, want settings and timezone updates", names)
	}
}

func TestSpendBuildPoints(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, blockID := range []string{"block-1", "block-2"} {
		if _, err := svc.CompleteBlock(ctx, BlockRequest{UserID: "user-1", BlockID: blockID, PlannedMinutes: 240}); err != nil {
			t.Fatalf("complete %s: %v", blockID, err)
		}
	}

	spent, err := svc.SpendBuildPoints(ctx, SpendRequest{UserID: "user-1", RequestID: "buy-1", Segments: 1})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if spent.Event.Delta != -25 || spent.NewTotal != 23 || spent.Segments != 1 {
		t.Fatalf("spend = %+v, want -25 leaving 23 with 1 segment", spent)
	}

	replay, err := svc.SpendBuildPoints(ctx, SpendRequest{UserID: "user-1", RequestID: "buy-1", Segments: 1})
	if err != nil {
		t.Fatalf("replay spend: %v", err)
	}
	if !replay.Duplicate || replay.NewTotal != 23 {
		t.Fatalf("replay spend = %+v, want duplicate at 23", replay)
	}

	_, err = svc.SpendBuildPoints(ctx, SpendRequest{UserID: "user-1", RequestID: "buy-2", Segments: 1})
	if !apperrors.HasCode(err, apperrors.CodeInsufficientBalance) {
		t.Fatalf("overspend error = %v, want %s", err, apperrors.CodeInsufficientBalance)
	}
	_, err = svc.SpendBuildPoints(ctx, SpendRequest{UserID: "user-1", RequestID: "buy-3", Segments: 0})
	if !apperrors.HasCode(err, apperrors.CodeInvalidRange) {
		t.Fatalf("zero segments error = %v, want %s", err, apperrors.CodeInvalidRange)
	}
}
