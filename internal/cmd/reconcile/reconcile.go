// Package reconcile runs truth reconciliation for a batch of user-days.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/holdfast/internal/platform/cmd"
	apperrors "github.com/louisbranch/holdfast/internal/platform/errors"
	"github.com/louisbranch/holdfast/internal/platform/timeouts"
	ledgerapp "github.com/louisbranch/holdfast/internal/services/ledger/app"
	ledgersqlite "github.com/louisbranch/holdfast/internal/services/ledger/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

// Config holds reconcile command configuration.
type Config struct {
	DBPath      string        `env:"HOLDFAST_RECONCILE_DB_PATH" envDefault:"data/ledger.db"`
	Input       string        `env:"HOLDFAST_RECONCILE_INPUT" envDefault:"-"`
	Concurrency int           `env:"HOLDFAST_RECONCILE_CONCURRENCY" envDefault:"4"`
	Locale      string        `env:"HOLDFAST_RECONCILE_LOCALE" envDefault:"en"`
	Timeout     time.Duration `env:"HOLDFAST_RECONCILE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The ledger SQLite database path")
	fs.StringVar(&cfg.Input, "input", cfg.Input, "JSON lines of {user_id, date, verified_minutes}; - reads stdin")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "User-days reconciled in parallel")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "Default locale for penalty descriptions")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Overall batch timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency <= 0 {
		return Config{}, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.Timeout <= 0 {
		return Config{}, fmt.Errorf("timeout must be positive, got %v", cfg.Timeout)
	}
	return cfg, nil
}

// Item is one user-day to reconcile. A null verified_minutes records that no
// verification was available.
type Item struct {
	UserID          string `json:"user_id"`
	Date            string `json:"date"`
	VerifiedMinutes *int   `json:"verified_minutes"`
	Locale          string `json:"locale,omitempty"`
}

// Result is the reconciliation outcome written for each item.
type Result struct {
	UserID       string `json:"user_id"`
	Date         string `json:"date"`
	Status       string `json:"status,omitempty"`
	DeltaMinutes *int   `json:"delta_minutes,omitempty"`
	Applied      bool   `json:"applied"`
	Reason       string `json:"reason,omitempty"`
	ViolationID  string `json:"violation_id,omitempty"`
	Penalty      int    `json:"penalty,omitempty"`
	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Reconciler is the service surface the batch needs.
type Reconciler interface {
	ReconcileDay(ctx context.Context, req ledgerapp.ReconcileRequest) (ledgerapp.ReconcileOutcome, error)
}

// Run opens the ledger store and reconciles the configured input.
func Run(ctx context.Context, cfg Config, stdin io.Reader, out io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceReconcile, func(ctx context.Context) error {
		in := stdin
		if path := strings.TrimSpace(cfg.Input); path != "" && path != "-" {
			f, err := os.Open(filepath.Clean(path))
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer f.Close()
			in = f
		}

		store, err := ledgersqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open ledger sqlite store: %w", err)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				log.Printf("close ledger sqlite store: %v", closeErr)
			}
		}()

		svc, err := ledgerapp.NewService(store)
		if err != nil {
			return err
		}
		return Reconcile(ctx, svc, in, out, cfg.Concurrency, cfg.Locale)
	})
}

// Reconcile reads items from in, reconciles them with bounded concurrency and
// writes one result per item to out in input order. Per-item failures are
// reported in their result and summarized in the returned error.
func Reconcile(ctx context.Context, svc Reconciler, in io.Reader, out io.Writer, concurrency int, locale string) error {
	if svc == nil {
		return errors.New("reconciler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	items, err := decodeItems(in)
	if err != nil {
		return err
	}

	results := make([]Result, len(items))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, item := range items {
		if item.Locale == "" {
			item.Locale = locale
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			results[i] = reconcileItem(groupCtx, svc, item)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	var failed, applied int
	for _, result := range results {
		if result.Error != "" {
			failed++
		}
		if result.Applied {
			applied++
		}
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	log.Printf("reconciled %d user-days: %d penalized, %d failed", len(results), applied, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d user-days failed to reconcile", failed, len(results))
	}
	return nil
}

func reconcileItem(ctx context.Context, svc Reconciler, item Item) Result {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOperation)
	defer cancel()

	result := Result{UserID: item.UserID, Date: item.Date}
	outcome, err := svc.ReconcileDay(ctx, ledgerapp.ReconcileRequest{
		UserID:          item.UserID,
		Date:            item.Date,
		VerifiedMinutes: item.VerifiedMinutes,
		Locale:          item.Locale,
	})
	if err != nil {
		result.Code = string(apperrors.CodeOf(err))
		result.Error = err.Error()
		return result
	}
	result.UserID = outcome.Check.UserID
	result.Date = outcome.Check.Date
	result.Status = string(outcome.Check.Status)
	result.DeltaMinutes = outcome.Check.DeltaMinutes
	result.Applied = outcome.Consequence.Applied
	result.Reason = string(outcome.Consequence.Reason)
	result.ViolationID = outcome.Consequence.ViolationID
	result.Penalty = outcome.Consequence.Penalty
	return result
}

func decodeItems(in io.Reader) ([]Item, error) {
	if in == nil {
		return nil, errors.New("input is required")
	}
	dec := json.NewDecoder(in)
	dec.DisallowUnknownFields()
	var items []Item
	for {
		var item Item
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				return items, nil
			}
			return nil, fmt.Errorf("decode item %d: %w", len(items)+1, err)
		}
		items = append(items, item)
	}
}
