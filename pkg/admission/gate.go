// Package admission decides whether a new agent job may be launched. A spawn
// is admitted only when the daily budget ledger has room and fewer than
// MaxConcurrent spawns are running.
//
// Budget is consumed before the concurrency check and is never refunded, even
// when the concurrency check then denies. Under load this errs toward
// launching fewer jobs, never more.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"fixloop/pkg/protocol"
)

// DefaultMaxConcurrent is the running-spawn cap used when none is configured.
const DefaultMaxConcurrent = 3

// Ledger is the daily budget counter. Implemented by *budget.Ledger.
type Ledger interface {
	Today() string
	IncrementAndCheck(ctx context.Context, date string) (allowed bool, remaining int, err error)
}

// RunningCounter reports how many spawns are currently running.
type RunningCounter interface {
	CountRunning(ctx context.Context) (int, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed         bool
	Reason          string
	Workflow        protocol.Workflow
	BudgetRemaining int
	Running         int
	MaxConcurrent   int
}

// Err returns nil for an allowed decision and an
// *protocol.AdmissionDeniedError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &protocol.AdmissionDeniedError{
		Reason:          d.Reason,
		BudgetRemaining: d.BudgetRemaining,
		Running:         d.Running,
	}
}

// Gate combines the budget ledger with the live running count.
type Gate struct {
	ledger        Ledger
	running       RunningCounter
	maxConcurrent atomic.Int64
	logger        *slog.Logger
}

// NewGate creates a Gate. maxConcurrent <= 0 uses DefaultMaxConcurrent.
// A nil logger uses slog.Default().
func NewGate(ledger Ledger, running RunningCounter, maxConcurrent int, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{ledger: ledger, running: running, logger: logger}
	g.SetMaxConcurrent(maxConcurrent)
	return g
}

// SetMaxConcurrent swaps the concurrency cap. Safe to call while checks run.
func (g *Gate) SetMaxConcurrent(n int) {
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	g.maxConcurrent.Store(int64(n))
}

// MaxConcurrent returns the current concurrency cap.
func (g *Gate) MaxConcurrent() int {
	return int(g.maxConcurrent.Load())
}

// CanSpawn consumes one unit of today's budget and then checks the running
// count. Both must pass. Any storage error denies and is returned alongside
// the denial.
func (g *Gate) CanSpawn(ctx context.Context, workflow protocol.Workflow) (Decision, error) {
	d := Decision{Workflow: workflow, MaxConcurrent: g.MaxConcurrent()}

	allowed, remaining, err := g.ledger.IncrementAndCheck(ctx, g.ledger.Today())
	d.BudgetRemaining = remaining
	if err != nil {
		d.Reason = "spawn budget unavailable"
		g.logger.Error("admission: ledger unavailable, denying", "workflow", workflow, "error", err)
		return d, fmt.Errorf("admission check: %w", err)
	}
	if !allowed {
		d.Reason = "daily spawn budget exhausted"
		g.logger.Warn("admission denied", "workflow", workflow, "reason", d.Reason)
		return d, nil
	}

	running, err := g.running.CountRunning(ctx)
	if err != nil {
		d.Reason = "running spawn count unavailable"
		g.logger.Error("admission: running count unavailable, denying", "workflow", workflow, "error", err)
		return d, fmt.Errorf("admission check: %w", err)
	}
	d.Running = running
	if running >= d.MaxConcurrent {
		d.Reason = fmt.Sprintf("concurrency limit reached (%d/%d running)", running, d.MaxConcurrent)
		g.logger.Warn("admission denied", "workflow", workflow, "reason", d.Reason,
			"budget_remaining", remaining)
		return d, nil
	}

	d.Allowed = true
	g.logger.Debug("admission granted", "workflow", workflow,
		"running", running, "budget_remaining", remaining)
	return d, nil
}
