package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	ledgerapp "github.com/louisbranch/holdfast/internal/services/ledger/app"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/truth"
	ledgersqlite "github.com/louisbranch/holdfast/internal/services/ledger/storage/sqlite"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls []ledgerapp.ReconcileRequest
}

func (f *fakeReconciler) ReconcileDay(_ context.Context, req ledgerapp.ReconcileRequest) (ledgerapp.ReconcileOutcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if req.Date == "bad" {
		return ledgerapp.ReconcileOutcome{}, apperrors.New(apperrors.CodeDateInvalid, "date invalid")
	}
	return ledgerapp.ReconcileOutcome{
		Check: truth.Check{UserID: req.UserID, Date: req.Date, Status: truth.StatusMatch},
	}, nil
}

func decodeResults(t *testing.T, out *bytes.Buffer) []Result {
	t.Helper()
	var results []Result
	dec := json.NewDecoder(out)
	for dec.More() {
		var result Result
		if err := dec.Decode(&result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		results = append(results, result)
	}
	return results
}

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	t.Setenv("HOLDFAST_RECONCILE_LOCALE", "pt-BR")

	cfg, err := ParseConfig(fs, []string{"-input", "days.jsonl", "-concurrency", "8"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Input != "days.jsonl" || cfg.Concurrency != 8 {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Locale != "pt-BR" || cfg.DBPath != "data/ledger.db" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestParseConfig_RejectsZeroConcurrency(t *testing.T) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-concurrency", "0"}); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

func TestReconcileKeepsInputOrderAndReportsFailures(t *testing.T) {
	input := strings.Join([]string{
		`{"user_id":"u1","date":"2026-03-01","verified_minutes":10}`,
		`{"user_id":"u2","date":"bad","verified_minutes":null}`,
		`{"user_id":"u3","date":"2026-03-02","verified_minutes":5,"locale":"pt-BR"}`,
	}, "\n")
	fake := &fakeReconciler{}
	var out bytes.Buffer

	err := Reconcile(context.Background(), fake, strings.NewReader(input), &out, 2, "en")
	if err == nil || !strings.Contains(err.Error(), "1 of 3") {
		t.Fatalf("error = %v, want 1 of 3 failed", err)
	}

	results := decodeResults(t, &out)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].UserID != "u1" || results[1].UserID != "u2" || results[2].UserID != "u3" {
		t.Fatalf("results out of order: %+v", results)
	}
	if results[1].Code != string(apperrors.CodeDateInvalid) || results[1].Error == "" {
		t.Fatalf("failed result = %+v", results[1])
	}
	if results[0].Status != string(truth.StatusMatch) {
		t.Fatalf("status = %q, want match", results[0].Status)
	}

	locales := map[string]string{}
	for _, call := range fake.calls {
		locales[call.UserID] = call.Locale
	}
	if locales["u1"] != "en" || locales["u3"] != "pt-BR" {
		t.Fatalf("locales = %v", locales)
	}
}

func TestReconcileRejectsMalformedInput(t *testing.T) {
	var out bytes.Buffer
	err := Reconcile(context.Background(), &fakeReconciler{}, strings.NewReader(`{"user_id":"u1","mood":"good"}`), &out, 1, "en")
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if out.Len() != 0 {
		t.Fatalf("output = %q, want empty", out.String())
	}
}

func TestReconcileAgainstLedgerStore(t *testing.T) {
	store, err := ledgersqlite.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, err := ledgerapp.NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.RecordUsageReport(ctx, "u1", "2026-03-01", 40); err != nil {
		t.Fatalf("record report: %v", err)
	}

	input := `{"user_id":"u1","date":"2026-03-01","verified_minutes":100}
{"user_id":"u1","date":"2026-03-01","verified_minutes":100}`
	var out bytes.Buffer
	if err := Reconcile(ctx, svc, strings.NewReader(input), &out, 2, "en"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	results := decodeResults(t, &out)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	var applied int
	for _, result := range results {
		if result.Status != string(truth.StatusMismatch) {
			t.Fatalf("status = %q, want mismatch", result.Status)
		}
		if result.Applied {
			applied++
			if result.Penalty != -120 {
				t.Fatalf("penalty = %d, want -120", result.Penalty)
			}
		}
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	user, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.TotalXP != -120 {
		t.Fatalf("total xp = %d, want -120", user.TotalXP)
	}
}
