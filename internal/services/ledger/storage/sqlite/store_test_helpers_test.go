package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	store, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("open ledger store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close ledger store: %v", err)
		}
	})
	return store
}

// steppingClock advances one second on every call.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock(start time.Time) *steppingClock {
	return &steppingClock{now: start}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func recordXP(t *testing.T, store *Store, userID string, eventType points.Type, delta int64, dedupeKey string) points.Result {
	t.Helper()
	result, err := store.RecordEvent(context.Background(), points.RecordRequest{
		UserID:    userID,
		Type:      eventType,
		Delta:     delta,
		DedupeKey: dedupeKey,
	})
	if err != nil {
		t.Fatalf("record event %q: %v", dedupeKey, err)
	}
	return result
}

func intPtrOf(v int) *int { return &v }
