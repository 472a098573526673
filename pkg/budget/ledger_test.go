package budget //nolint:testpackage // white-box tests need access to nowFunc

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fixloop/pkg/protocol"
	"fixloop/pkg/store"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIncrementAndCheck_CreatesRowLazily(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db, 3)
	ctx := context.Background()

	before, err := l.Get(ctx, "2026-05-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if before.SpawnCount != 0 || before.MaxSpawns != 3 {
		t.Errorf("unexpected pre-spawn budget %+v", before)
	}

	allowed, remaining, err := l.IncrementAndCheck(ctx, "2026-05-01")
	if err != nil {
		t.Fatalf("IncrementAndCheck: %v", err)
	}
	if !allowed || remaining != 2 {
		t.Errorf("got allowed=%v remaining=%d, want true 2", allowed, remaining)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM spawn_budgets`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 ledger row, got %d", n)
	}
}

func TestIncrementAndCheck_DeniesPastCapButStillCounts(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db, 2)
	ctx := context.Background()

	want := []bool{true, true, false, false}
	for i, w := range want {
		allowed, _, err := l.IncrementAndCheck(ctx, "2026-05-01")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if allowed != w {
			t.Errorf("call %d: allowed=%v, want %v", i, allowed, w)
		}
	}

	b, err := l.Get(ctx, "2026-05-01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.SpawnCount != 4 {
		t.Errorf("spawn_count = %d, want 4 (denied attempts are still recorded)", b.SpawnCount)
	}
	if b.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", b.Remaining())
	}
}

func TestIncrementAndCheck_ConcurrentExactlyK(t *testing.T) {
	db := setupTestDB(t)
	const (
		n = 25
		k = 7
	)
	l := NewLedger(db, k)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
		denied  atomic.Int32
		failed  atomic.Int32
		start   = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, _, err := l.IncrementAndCheck(context.Background(), "2026-05-02")
			switch {
			case err != nil:
				failed.Add(1)
			case ok:
				allowed.Add(1)
			default:
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d calls errored", failed.Load())
	}
	if allowed.Load() != k {
		t.Errorf("allowed = %d, want %d", allowed.Load(), k)
	}
	if denied.Load() != n-k {
		t.Errorf("denied = %d, want %d", denied.Load(), n-k)
	}

	b, _ := l.Get(context.Background(), "2026-05-02")
	if b.SpawnCount != n {
		t.Errorf("spawn_count = %d, want %d (no lost increments)", b.SpawnCount, n)
	}
}

func TestIncrementAndCheck_FailsClosed(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db, 5)
	_ = db.Close()

	allowed, _, err := l.IncrementAndCheck(context.Background(), "2026-05-01")
	if allowed {
		t.Error("ledger failure must deny")
	}
	var upstream *protocol.UpstreamUnavailableError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
}

func TestDaysAreIndependent(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db, 1)
	ctx := context.Background()

	if ok, _, _ := l.IncrementAndCheck(ctx, "2026-05-01"); !ok {
		t.Fatal("first spawn of day 1 should be allowed")
	}
	if ok, _, _ := l.IncrementAndCheck(ctx, "2026-05-01"); ok {
		t.Fatal("second spawn of day 1 should be denied")
	}
	if ok, _, _ := l.IncrementAndCheck(ctx, "2026-05-02"); !ok {
		t.Fatal("first spawn of day 2 should be allowed")
	}

	hist, err := l.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Date != "2026-05-02" {
		t.Errorf("unexpected history %+v", hist)
	}
}

func TestSetMax_RaisesTodaysCap(t *testing.T) {
	db := setupTestDB(t)
	l := NewLedger(db, 1)
	ctx := context.Background()

	_, _, _ = l.IncrementAndCheck(ctx, "2026-05-01")
	if ok, _, _ := l.IncrementAndCheck(ctx, "2026-05-01"); ok {
		t.Fatal("expected denial at cap 1")
	}

	if err := l.SetMax(ctx, "2026-05-01", 5); err != nil {
		t.Fatalf("SetMax: %v", err)
	}
	ok, remaining, err := l.IncrementAndCheck(ctx, "2026-05-01")
	if err != nil {
		t.Fatalf("IncrementAndCheck: %v", err)
	}
	if !ok || remaining != 2 {
		t.Errorf("after raise: allowed=%v remaining=%d, want true 2", ok, remaining)
	}
	if l.DefaultMax() != 5 {
		t.Errorf("DefaultMax = %d, want 5", l.DefaultMax())
	}
}

func TestToday_UsesClock(t *testing.T) {
	l := NewLedger(nil, 0)
	l.nowFunc = func() time.Time { return time.Date(2026, 7, 4, 23, 59, 0, 0, time.UTC) }
	if got := l.Today(); got != "2026-07-04" {
		t.Errorf("Today = %q", got)
	}
	if l.DefaultMax() != DefaultMaxSpawns {
		t.Errorf("DefaultMax = %d, want %d", l.DefaultMax(), DefaultMaxSpawns)
	}
}
