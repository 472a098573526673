// Package budget implements the daily spawn ledger: one SQLite row per
// calendar day counting agent launches against a cap.
//
// The increment is a single upsert-and-return statement, so concurrent
// callers never lose a count and exactly max_spawns callers per day see an
// allowed result. The ledger fails closed: any storage error denies.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fixloop/pkg/protocol"
)

// DefaultMaxSpawns is the daily cap used when none is configured.
const DefaultMaxSpawns = 20

// Ledger counts spawns per day.
type Ledger struct {
	db         *sql.DB
	defaultMax atomic.Int64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewLedger creates a Ledger. maxSpawns <= 0 uses DefaultMaxSpawns.
func NewLedger(db *sql.DB, maxSpawns int) *Ledger {
	l := &Ledger{db: db, nowFunc: time.Now}
	l.SetDefaultMax(maxSpawns)
	return l
}

// SetDefaultMax changes the cap stamped on rows created from now on.
func (l *Ledger) SetDefaultMax(n int) {
	if n <= 0 {
		n = DefaultMaxSpawns
	}
	l.defaultMax.Store(int64(n))
}

// DefaultMax returns the cap stamped on new rows.
func (l *Ledger) DefaultMax() int {
	return int(l.defaultMax.Load())
}

// Today returns the ledger key for the current day.
func (l *Ledger) Today() string {
	return protocol.BudgetDate(l.nowFunc())
}

// IncrementAndCheck atomically reads-or-creates the row for date, adds one
// launch, and reports whether the count before the increment was below the
// cap. The increment is recorded even when the answer is no.
//
// On any storage error it returns allowed=false and an
// *protocol.UpstreamUnavailableError.
func (l *Ledger) IncrementAndCheck(ctx context.Context, date string) (allowed bool, remaining int, err error) {
	var count, maxSpawns int
	err = l.db.QueryRowContext(ctx,
		`INSERT INTO spawn_budgets (date, spawn_count, max_spawns) VALUES (?, 1, ?)
		 ON CONFLICT (date) DO UPDATE SET spawn_count = spawn_count + 1
		 RETURNING spawn_count, max_spawns`,
		date, l.DefaultMax()).Scan(&count, &maxSpawns)
	if err != nil {
		return false, 0, &protocol.UpstreamUnavailableError{
			Service: "spawn ledger",
			Err:     fmt.Errorf("increment %s: %w", date, err),
		}
	}

	b := protocol.SpawnBudget{Date: date, SpawnCount: count, MaxSpawns: maxSpawns}
	return count-1 < maxSpawns, b.Remaining(), nil
}

// Get returns the row for date. A day with no launches yet reports zero
// launches against the current default cap without creating the row.
func (l *Ledger) Get(ctx context.Context, date string) (protocol.SpawnBudget, error) {
	b := protocol.SpawnBudget{Date: date}
	err := l.db.QueryRowContext(ctx,
		`SELECT spawn_count, max_spawns FROM spawn_budgets WHERE date = ?`, date).Scan(&b.SpawnCount, &b.MaxSpawns)
	if errors.Is(err, sql.ErrNoRows) {
		b.MaxSpawns = l.DefaultMax()
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("get budget %s: %w", date, err)
	}
	return b, nil
}

// SetMax updates the cap of an existing day's row and the default for new
// rows. Used when configuration is reloaded mid-day. spawn_count is untouched.
func (l *Ledger) SetMax(ctx context.Context, date string, n int) error {
	l.SetDefaultMax(n)
	_, err := l.db.ExecContext(ctx,
		`UPDATE spawn_budgets SET max_spawns = ? WHERE date = ?`, l.DefaultMax(), date)
	if err != nil {
		return fmt.Errorf("set max spawns for %s: %w", date, err)
	}
	return nil
}

// History returns the most recent days, newest first. Rows are never deleted,
// so this is the audit view of past launches.
func (l *Ledger) History(ctx context.Context, days int) ([]protocol.SpawnBudget, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT date, spawn_count, max_spawns FROM spawn_budgets ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("query budget history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.SpawnBudget
	for rows.Next() {
		var b protocol.SpawnBudget
		if err := rows.Scan(&b.Date, &b.SpawnCount, &b.MaxSpawns); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budget history: %w", err)
	}
	return out, nil
}
