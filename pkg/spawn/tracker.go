// Package spawn owns the per-issue agent job lifecycle:
//
//	idle ──Claim──▶ running ──Succeed──▶ succeeded
//	                   │
//	                   └──Fail/Cancel/FailStale──▶ failed
//
// A finished spawn may be claimed again. At most one spawn per issue is
// running at a time: every transition is a conditional UPDATE keyed on the
// status it read, inside an immediate transaction, so concurrent claims on
// the same issue see exactly one winner.
package spawn

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"fixloop/pkg/broadcast"
	"fixloop/pkg/notify"
	"fixloop/pkg/protocol"
	"fixloop/pkg/store"
)

// Auditor appends durable audit rows.
type Auditor interface {
	Append(ctx context.Context, rec store.ActivityRecord) error
}

// Publisher offers live events to observers of an issue.
type Publisher interface {
	Publish(key string, ev broadcast.Event)
}

// Notifier queues an out-of-band notification.
type Notifier interface {
	Send(n notify.Notification)
}

// Config holds optional collaborators. Nil members are skipped.
type Config struct {
	Auditor   Auditor
	Publisher Publisher
	Notifier  Notifier
	Logger    *slog.Logger
}

// Tracker performs spawn state transitions.
type Tracker struct {
	db        *sql.DB
	auditor   Auditor
	publisher Publisher
	notifier  Notifier
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewTracker creates a Tracker over db.
func NewTracker(db *sql.DB, cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		db:        db,
		auditor:   cfg.Auditor,
		publisher: cfg.Publisher,
		notifier:  cfg.Notifier,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Transition describes a completed state change.
type Transition struct {
	IssueID    int64                `json:"issue_id"`
	Identifier string               `json:"identifier"`
	Action     string               `json:"action"`
	From       protocol.SpawnStatus `json:"from"`
	To         protocol.SpawnStatus `json:"to"`
	Workflow   protocol.Workflow    `json:"workflow,omitempty"`
	RunID      string               `json:"run_id,omitempty"`
	Outcome    string               `json:"outcome,omitempty"`
	Actor      protocol.Actor       `json:"actor"`
	At         time.Time            `json:"at"`
}

// Actions recorded in the audit trail and published to observers.
const (
	ActionStarted     = "spawn_started"
	ActionRunAttached = "spawn_run_attached"
	ActionSucceeded   = "spawn_succeeded"
	ActionFailed      = "spawn_failed"
	ActionCancelled   = "spawn_cancelled"
	ActionTimedOut    = "spawn_timed_out"
)

// Claim moves the issue's spawn into running for workflow. It fails with
// *protocol.InvalidStateError if a spawn is already running.
func (t *Tracker) Claim(ctx context.Context, issueID int64, workflow protocol.Workflow, actor protocol.Actor) (Transition, error) {
	now := t.nowFunc()
	tr := Transition{IssueID: issueID, Action: ActionStarted, To: protocol.SpawnRunning, Workflow: workflow, Actor: actor, At: now}
	err := t.apply(ctx, &tr, "spawn", notRunning,
		`spawn_status = ?, spawn_workflow = ?, spawn_run_id = NULL, spawn_started_at = ?,
		 spawn_completed_at = NULL, spawn_outcome = NULL`,
		string(protocol.SpawnRunning), string(workflow), protocol.FormatTime(now))
	if err != nil {
		return Transition{}, err
	}
	t.after(ctx, tr, notify.KindSpawnStarted, fmt.Sprintf("%s agent started", workflow))
	return tr, nil
}

// AttachRun records the job runner's run ID on a running spawn.
func (t *Tracker) AttachRun(ctx context.Context, issueID int64, runID string, actor protocol.Actor) (Transition, error) {
	tr := Transition{IssueID: issueID, Action: ActionRunAttached, To: protocol.SpawnRunning, RunID: runID, Actor: actor, At: t.nowFunc()}
	if err := t.apply(ctx, &tr, "attach run to", isRunning, `spawn_run_id = ?`, runID); err != nil {
		return Transition{}, err
	}
	t.after(ctx, tr, "", "")
	return tr, nil
}

// Succeed finishes a running spawn successfully.
func (t *Tracker) Succeed(ctx context.Context, issueID int64, outcome string, actor protocol.Actor) (Transition, error) {
	return t.finish(ctx, issueID, ActionSucceeded, "complete", protocol.SpawnSucceeded, outcome, actor, notify.KindSpawnSucceeded)
}

// Fail finishes a running spawn as failed, recording outcome.
func (t *Tracker) Fail(ctx context.Context, issueID int64, outcome string, actor protocol.Actor) (Transition, error) {
	return t.finish(ctx, issueID, ActionFailed, "fail", protocol.SpawnFailed, outcome, actor, notify.KindSpawnFailed)
}

// Cancel fails a running spawn with the user-cancellation outcome. A spawn
// that is not running yields *protocol.InvalidStateError and is unchanged.
func (t *Tracker) Cancel(ctx context.Context, issueID int64, actor protocol.Actor) (Transition, error) {
	return t.finish(ctx, issueID, ActionCancelled, "cancel", protocol.SpawnFailed, protocol.CancelledByUser, actor, notify.KindSpawnCancelled)
}

func (t *Tracker) finish(ctx context.Context, issueID int64, action, op string, to protocol.SpawnStatus,
	outcome string, actor protocol.Actor, kind notify.Kind,
) (Transition, error) {
	now := t.nowFunc()
	tr := Transition{IssueID: issueID, Action: action, To: to, Outcome: outcome, Actor: actor, At: now}
	err := t.apply(ctx, &tr, op, isRunning,
		`spawn_status = ?, spawn_completed_at = ?, spawn_outcome = ?`,
		string(to), protocol.FormatTime(now), nullable(outcome))
	if err != nil {
		return Transition{}, err
	}
	msg := string(to)
	if outcome != "" {
		msg += ": " + outcome
	}
	t.after(ctx, tr, kind, msg)
	return tr, nil
}

// FailStale fails every spawn that has been running longer than olderThan.
// Spawns that finish concurrently are skipped.
func (t *Tracker) FailStale(ctx context.Context, olderThan time.Duration, actor protocol.Actor) ([]Transition, error) {
	cutoff := t.nowFunc().Add(-olderThan)
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, COALESCE(spawn_started_at, '') FROM issues WHERE spawn_status = ?`, string(protocol.SpawnRunning))
	if err != nil {
		return nil, fmt.Errorf("query running spawns: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var (
			id      int64
			started string
		)
		if err := rows.Scan(&id, &started); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan running spawn: %w", err)
		}
		ts, err := protocol.ParseTime(started)
		if err != nil {
			t.logger.Warn("spawn: unparseable start time", "issue_id", id, "error", err)
			continue
		}
		if ts == nil || ts.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate running spawns: %w", err)
	}
	_ = rows.Close()

	outcome := fmt.Sprintf("Timed out after %s", olderThan)
	var out []Transition
	for _, id := range stale {
		tr, err := t.finish(ctx, id, ActionTimedOut, "time out", protocol.SpawnFailed, outcome, actor, notify.KindSpawnFailed)
		var ise *protocol.InvalidStateError
		if errors.As(err, &ise) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// State returns the issue's current spawn state.
func (t *Tracker) State(ctx context.Context, issueID int64) (protocol.SpawnState, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+store.IssueColumns+` FROM issues WHERE id = ?`, issueID)
	iss, err := store.ScanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.SpawnState{}, &protocol.NotFoundError{Entity: "issue", ID: strconv.FormatInt(issueID, 10)}
	}
	if err != nil {
		return protocol.SpawnState{}, fmt.Errorf("get spawn state %d: %w", issueID, err)
	}
	return iss.Spawn, nil
}

func notRunning(s protocol.SpawnStatus) bool { return s != protocol.SpawnRunning }
func isRunning(s protocol.SpawnStatus) bool  { return s == protocol.SpawnRunning }

// apply reads the current status, checks it against allowed, and writes set
// conditional on that status being unchanged. tr.From, tr.Identifier and
// tr.Workflow are filled from the row.
func (t *Tracker) apply(ctx context.Context, tr *Transition, op string, allowed func(protocol.SpawnStatus) bool, set string, args ...any) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spawn transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status, workflow string
		identifier       string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT identifier, spawn_status, COALESCE(spawn_workflow, '') FROM issues WHERE id = ?`, tr.IssueID).
		Scan(&identifier, &status, &workflow)
	if errors.Is(err, sql.ErrNoRows) {
		return &protocol.NotFoundError{Entity: "issue", ID: strconv.FormatInt(tr.IssueID, 10)}
	}
	if err != nil {
		return fmt.Errorf("read spawn state %d: %w", tr.IssueID, err)
	}
	from := protocol.SpawnStatus(status)
	if !allowed(from) {
		return &protocol.InvalidStateError{IssueID: identifier, Op: op, State: string(from)}
	}

	query := `UPDATE issues SET ` + set + `, updated_at = ? WHERE id = ? AND spawn_status = ?`
	params := append(args, protocol.FormatTime(tr.At), tr.IssueID, status)
	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("%s issue %d: %w", op, tr.IssueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.InvalidStateError{IssueID: identifier, Op: op, State: "changed concurrently"}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spawn transition: %w", err)
	}

	tr.From = from
	tr.Identifier = identifier
	if tr.Workflow == "" {
		tr.Workflow = protocol.Workflow(workflow)
	}
	return nil
}

// after records a committed transition: audit row, live event, log line,
// and (when kind is set) an async notification. Failures here are logged.
func (t *Tracker) after(ctx context.Context, tr Transition, kind notify.Kind, message string) {
	t.logger.Info("spawn transition",
		"issue_id", tr.IssueID, "identifier", tr.Identifier, "action", tr.Action,
		"actor", tr.Actor, "from", tr.From, "to", tr.To, "run_id", tr.RunID, "outcome", tr.Outcome)

	payload, err := json.Marshal(tr)
	if err != nil {
		t.logger.Warn("spawn: encoding transition", "error", err)
	}
	if t.auditor != nil {
		rec := store.ActivityRecord{IssueID: tr.IssueID, Type: tr.Action, Actor: tr.Actor, Payload: string(payload), CreatedAt: tr.At}
		if err := t.auditor.Append(ctx, rec); err != nil {
			t.logger.Warn("spawn: audit append failed", "issue_id", tr.IssueID, "action", tr.Action, "error", err)
		}
	}
	if t.publisher != nil {
		key := strconv.FormatInt(tr.IssueID, 10)
		t.publisher.Publish(key, broadcast.NewEvent(broadcast.EventAction, key, json.RawMessage(payload)))
	}
	if t.notifier != nil && kind != "" {
		t.notifier.Send(notify.Notification{
			Kind:       kind,
			IssueID:    tr.IssueID,
			Identifier: tr.Identifier,
			Actor:      string(tr.Actor),
			Message:    message,
			Data:       map[string]any{"workflow": tr.Workflow, "run_id": tr.RunID, "outcome": tr.Outcome},
			At:         tr.At,
		})
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
