// Package fixattempt tracks pull requests that claim to fix an issue and
// verifies them against the error tracker after deploy.
//
// An attempt moves pending → verifying when its merge is deployed, then to
// verified or failed once the observation window has elapsed. Verification
// is evaluated lazily, whenever status is read or a close is attempted.
package fixattempt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"fixloop/pkg/broadcast"
	"fixloop/pkg/notify"
	"fixloop/pkg/protocol"
	"fixloop/pkg/store"
)

// DefaultObservationWindow is how long a deploy is watched for errors.
const DefaultObservationWindow = 24 * time.Hour

// LinkedErrors answers whether an issue tracks an external error.
type LinkedErrors interface {
	HasLinkedError(ctx context.Context, issueID int64, source string) (bool, error)
}

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

// Config configures a Tracker.
type Config struct {
	// ObservationWindow after deploy; default 24h.
	ObservationWindow time.Duration
	// Tolerance is the number of post-deploy error events still accepted
	// as verified; default 0.
	Tolerance int
	// ErrorSource is the linked-error source whose fixes gate closing;
	// default "sentry".
	ErrorSource string

	Auditor   Auditor
	Publisher Publisher
	Notifier  Notifier
	Logger    *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ObservationWindow <= 0 {
		out.ObservationWindow = DefaultObservationWindow
	}
	if out.Tolerance < 0 {
		out.Tolerance = 0
	}
	if out.ErrorSource == "" {
		out.ErrorSource = protocol.DefaultErrorSource
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Tracker records fix attempts and evaluates their verification.
type Tracker struct {
	db        *sql.DB
	linked    LinkedErrors
	cfg       Config
	tolerance atomic.Int64
	nowFunc   func() time.Time
}

// NewTracker creates a Tracker over db.
func NewTracker(db *sql.DB, linked LinkedErrors, cfg Config) *Tracker {
	t := &Tracker{db: db, linked: linked, cfg: cfg.withDefaults(), nowFunc: time.Now}
	t.tolerance.Store(int64(t.cfg.Tolerance))
	return t
}

// SetTolerance changes the accepted post-deploy event count. Safe to call
// while the tracker is in use.
func (t *Tracker) SetTolerance(n int) {
	if n < 0 {
		n = 0
	}
	t.tolerance.Store(int64(n))
}

// Tolerance returns the accepted post-deploy event count.
func (t *Tracker) Tolerance() int {
	return int(t.tolerance.Load())
}

const attemptColumns = `id, issue_id, pr_number, pr_url, pr_title, source,
	COALESCE(merged_at, ''), COALESCE(merged_sha, ''), COALESCE(deployed_at, ''), COALESCE(deployed_sha, ''),
	verification_status, COALESCE(verification_deadline, ''), COALESCE(failure_reason, ''),
	sentry_events_post_deploy, created_at`

func scanAttempt(row store.RowScanner) (*protocol.FixAttempt, error) {
	var (
		fa                         protocol.FixAttempt
		status                     string
		merged, deployed, deadline string
		created                    string
	)
	if err := row.Scan(&fa.ID, &fa.IssueID, &fa.PRNumber, &fa.PRURL, &fa.PRTitle, &fa.Source,
		&merged, &fa.MergedSHA, &deployed, &fa.DeployedSHA,
		&status, &deadline, &fa.FailureReason, &fa.EventsPostDeploy, &created); err != nil {
		return nil, err
	}
	fa.VerificationStatus = protocol.VerificationStatus(status)

	var err error
	if fa.MergedAt, err = protocol.ParseTime(merged); err != nil {
		return nil, err
	}
	if fa.DeployedAt, err = protocol.ParseTime(deployed); err != nil {
		return nil, err
	}
	if fa.VerificationDeadline, err = protocol.ParseTime(deadline); err != nil {
		return nil, err
	}
	ts, err := protocol.ParseTime(created)
	if err != nil {
		return nil, err
	}
	if ts != nil {
		fa.CreatedAt = *ts
	}
	return &fa, nil
}

// LinkParams identifies a pull request to link to an issue.
type LinkParams struct {
	IssueID  int64
	PRNumber int
	PRURL    string
	PRTitle  string
	// Source defaults to the configured error source.
	Source string
}

// LinkPR records a pull request as a fix attempt. Linking an already linked
// PR updates its URL and title and keeps its verification state.
func (t *Tracker) LinkPR(ctx context.Context, p LinkParams) (*protocol.FixAttempt, error) {
	if p.PRNumber <= 0 {
		return nil, &protocol.ValidationError{Field: "pr_number", Reason: "must be positive"}
	}
	if err := t.requireIssue(ctx, p.IssueID); err != nil {
		return nil, err
	}
	source := p.Source
	if source == "" {
		source = t.cfg.ErrorSource
	}

	var id int64
	err := t.db.QueryRowContext(ctx,
		`INSERT INTO fix_attempts (issue_id, pr_number, pr_url, pr_title, source, verification_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (issue_id, pr_number) DO UPDATE SET pr_url = excluded.pr_url, pr_title = excluded.pr_title
		 RETURNING id`,
		p.IssueID, p.PRNumber, p.PRURL, p.PRTitle, source, string(protocol.VerificationPending),
		protocol.FormatTime(t.nowFunc())).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("link PR #%d to issue %d: %w", p.PRNumber, p.IssueID, err)
	}
	fa, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.emit(ctx, fa.IssueID, "fix_pr_linked", protocol.ActorCI, fa, "", "")
	return fa, nil
}

// RecordMerge records the merge of a linked PR.
func (t *Tracker) RecordMerge(ctx context.Context, issueID int64, prNumber int, sha string, at time.Time) (*protocol.FixAttempt, error) {
	if sha == "" {
		return nil, &protocol.ValidationError{Field: "sha", Reason: "required"}
	}
	var id int64
	err := t.db.QueryRowContext(ctx,
		`UPDATE fix_attempts SET merged_at = ?, merged_sha = ? WHERE issue_id = ? AND pr_number = ? RETURNING id`,
		protocol.FormatTime(at), sha, issueID, prNumber).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "fix_attempt", ID: fmt.Sprintf("%d#%d", issueID, prNumber)}
	}
	if err != nil {
		return nil, fmt.Errorf("record merge of PR #%d: %w", prNumber, err)
	}
	fa, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.emit(ctx, issueID, "fix_merged", protocol.ActorCI, fa, "", "")
	return fa, nil
}

// RecordDeploy starts verification for attempts whose merge commit is sha.
// When none match, the latest merged but undeployed attempt is used. It
// returns the attempts now verifying; deploying the same sha again is a no-op.
func (t *Tracker) RecordDeploy(ctx context.Context, issueID int64, sha string, at time.Time) ([]protocol.FixAttempt, error) {
	deadline := at.Add(t.cfg.ObservationWindow)
	set := `UPDATE fix_attempts SET deployed_at = ?, deployed_sha = ?, verification_status = ?,
		verification_deadline = ?, sentry_events_post_deploy = 0 `
	args := []any{protocol.FormatTime(at), sha, string(protocol.VerificationVerifying), protocol.FormatTime(deadline)}

	rows, err := t.db.QueryContext(ctx, set+
		`WHERE issue_id = ? AND merged_sha = ? AND deployed_at IS NULL RETURNING `+attemptColumns,
		append(args[:len(args):len(args)], issueID, sha)...)
	if err != nil {
		return nil, fmt.Errorf("record deploy %s for issue %d: %w", sha, issueID, err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		rows, err = t.db.QueryContext(ctx, set+
			`WHERE id = (SELECT id FROM fix_attempts WHERE issue_id = ? AND merged_at IS NOT NULL
			 AND deployed_at IS NULL ORDER BY id DESC LIMIT 1) RETURNING `+attemptColumns,
			append(args[:len(args):len(args)], issueID)...)
		if err != nil {
			return nil, fmt.Errorf("record deploy %s for issue %d: %w", sha, issueID, err)
		}
		if out, err = collect(rows); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		t.cfg.Logger.Debug("deploy matched no fix attempt", "issue_id", issueID, "sha", sha)
	}
	for i := range out {
		t.emit(ctx, issueID, "fix_deployed", protocol.ActorCI, &out[i], "", "")
	}
	return out, nil
}

// RecordErrorEvents adds count post-deploy error events to every verifying
// attempt of the issue that is still inside its observation window and
// returns how many attempts were updated. Attempts whose window has closed
// are resolved first, so late events never change their outcome.
func (t *Tracker) RecordErrorEvents(ctx context.Context, issueID int64, count int) (int, error) {
	if count < 0 {
		return 0, &protocol.ValidationError{Field: "count", Reason: "must not be negative"}
	}
	if _, err := t.CheckVerification(ctx, issueID); err != nil {
		return 0, err
	}
	res, err := t.db.ExecContext(ctx,
		`UPDATE fix_attempts SET sentry_events_post_deploy = sentry_events_post_deploy + ?
		 WHERE issue_id = ? AND verification_status = ?`,
		count, issueID, string(protocol.VerificationVerifying))
	if err != nil {
		return 0, fmt.Errorf("record error events for issue %d: %w", issueID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		t.emit(ctx, issueID, "fix_error_events", protocol.ActorCI, map[string]int{"count": count}, "", "")
	}
	return int(n), nil
}

// Transition is a verification decision made by CheckVerification.
type Transition struct {
	AttemptID int64                       `json:"attempt_id"`
	IssueID   int64                       `json:"issue_id"`
	PRNumber  int                         `json:"pr_number"`
	To        protocol.VerificationStatus `json:"to"`
	Events    int                         `json:"events"`
	Reason    string                      `json:"reason,omitempty"`
}

// CheckVerification resolves every verifying attempt of the issue whose
// deadline has passed: verified when its event count is within tolerance,
// failed otherwise. Attempts still inside their window are left alone.
// Running it twice changes nothing the second time.
func (t *Tracker) CheckVerification(ctx context.Context, issueID int64) ([]Transition, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE issue_id = ? AND verification_status = ? ORDER BY id`,
		issueID, string(protocol.VerificationVerifying))
	if err != nil {
		return nil, fmt.Errorf("query verifying attempts: %w", err)
	}
	verifying, err := collect(rows)
	if err != nil {
		return nil, err
	}

	now := t.nowFunc()
	tolerance := t.Tolerance()
	var out []Transition
	for _, fa := range verifying {
		if fa.VerificationDeadline != nil && now.Before(*fa.VerificationDeadline) {
			continue
		}
		tr := Transition{AttemptID: fa.ID, IssueID: fa.IssueID, PRNumber: fa.PRNumber, Events: fa.EventsPostDeploy}
		if fa.EventsPostDeploy <= tolerance {
			tr.To = protocol.VerificationVerified
		} else {
			tr.To = protocol.VerificationFailed
			tr.Reason = fmt.Sprintf("%d error events observed after deploy", fa.EventsPostDeploy)
		}

		res, err := t.db.ExecContext(ctx,
			`UPDATE fix_attempts SET verification_status = ?, failure_reason = ? WHERE id = ? AND verification_status = ?`,
			string(tr.To), nullable(tr.Reason), fa.ID, string(protocol.VerificationVerifying))
		if err != nil {
			return out, fmt.Errorf("resolve fix attempt %d: %w", fa.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		out = append(out, tr)

		kind, msg := notify.KindFixVerified, fmt.Sprintf("Fix PR #%d verified", fa.PRNumber)
		if tr.To == protocol.VerificationFailed {
			kind, msg = notify.KindFixFailed, fmt.Sprintf("Fix PR #%d failed verification: %s", fa.PRNumber, tr.Reason)
		}
		t.emit(ctx, issueID, "fix_"+string(tr.To), protocol.ActorSystem, tr, kind, msg)
	}
	return out, nil
}

// CloseCheck is the answer to "may this issue move into a closed status".
type CloseCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CanMoveToCloseStatus reports whether the issue may be closed. Closing is
// blocked only while the issue has a linked error from the configured source
// and a fix attempt for that source is pending or verifying. It does not
// resolve expired verifications; call CheckVerification first.
func (t *Tracker) CanMoveToCloseStatus(ctx context.Context, issueID int64) (CloseCheck, error) {
	linked, err := t.linked.HasLinkedError(ctx, issueID, t.cfg.ErrorSource)
	if err != nil {
		return CloseCheck{}, err
	}
	if !linked {
		return CloseCheck{Allowed: true}, nil
	}

	var (
		prNumber int
		status   string
		deadline string
	)
	err = t.db.QueryRowContext(ctx,
		`SELECT pr_number, verification_status, COALESCE(verification_deadline, '')
		 FROM fix_attempts WHERE issue_id = ? AND source = ? AND verification_status IN (?, ?)
		 ORDER BY id DESC LIMIT 1`,
		issueID, t.cfg.ErrorSource, string(protocol.VerificationPending), string(protocol.VerificationVerifying)).
		Scan(&prNumber, &status, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return CloseCheck{Allowed: true}, nil
	}
	if err != nil {
		return CloseCheck{}, fmt.Errorf("query unresolved fix attempts: %w", err)
	}

	if protocol.VerificationStatus(status) == protocol.VerificationPending {
		return CloseCheck{Reason: fmt.Sprintf("Fix PR #%d has not been deployed yet", prNumber)}, nil
	}
	reason := fmt.Sprintf("Fix PR #%d is being verified", prNumber)
	if ts, _ := protocol.ParseTime(deadline); ts != nil {
		reason += " until " + ts.UTC().Format(time.RFC3339)
	}
	return CloseCheck{Reason: reason}, nil
}

// FixStatus summarises an issue's fix attempts.
type FixStatus struct {
	HasLinkedError   bool                  `json:"has_linked_error"`
	FixAttempts      []protocol.FixAttempt `json:"fix_attempts"`
	CanClose         bool                  `json:"can_close"`
	CloseBlockReason string                `json:"close_block_reason,omitempty"`
}

// Status resolves expired verifications and returns the issue's fix status
// with attempts newest first.
func (t *Tracker) Status(ctx context.Context, issueID int64) (FixStatus, error) {
	if err := t.requireIssue(ctx, issueID); err != nil {
		return FixStatus{}, err
	}
	if _, err := t.CheckVerification(ctx, issueID); err != nil {
		return FixStatus{}, err
	}
	linked, err := t.linked.HasLinkedError(ctx, issueID, t.cfg.ErrorSource)
	if err != nil {
		return FixStatus{}, err
	}
	attempts, err := t.List(ctx, issueID)
	if err != nil {
		return FixStatus{}, err
	}
	check, err := t.CanMoveToCloseStatus(ctx, issueID)
	if err != nil {
		return FixStatus{}, err
	}
	return FixStatus{
		HasLinkedError:   linked,
		FixAttempts:      attempts,
		CanClose:         check.Allowed,
		CloseBlockReason: check.Reason,
	}, nil
}

// List returns the issue's fix attempts, newest first.
func (t *Tracker) List(ctx context.Context, issueID int64) ([]protocol.FixAttempt, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE issue_id = ? ORDER BY id DESC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list fix attempts: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []protocol.FixAttempt{}
	}
	return out, nil
}

// Latest returns the most recently linked attempt or a *protocol.NotFoundError.
func (t *Tracker) Latest(ctx context.Context, issueID int64) (*protocol.FixAttempt, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM fix_attempts WHERE issue_id = ? ORDER BY id DESC LIMIT 1`, issueID)
	fa, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "fix_attempt", ID: "latest for issue " + strconv.FormatInt(issueID, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("latest fix attempt: %w", err)
	}
	return fa, nil
}

func (t *Tracker) get(ctx context.Context, id int64) (*protocol.FixAttempt, error) {
	fa, err := scanAttempt(t.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM fix_attempts WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get fix attempt %d: %w", id, err)
	}
	return fa, nil
}

func (t *Tracker) requireIssue(ctx context.Context, issueID int64) error {
	var one int
	err := t.db.QueryRowContext(ctx, `SELECT 1 FROM issues WHERE id = ?`, issueID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &protocol.NotFoundError{Entity: "issue", ID: strconv.FormatInt(issueID, 10)}
	}
	if err != nil {
		return fmt.Errorf("lookup issue %d: %w", issueID, err)
	}
	return nil
}

// emit records a fix lifecycle event: audit row, live event, and an
// optional notification.
func (t *Tracker) emit(ctx context.Context, issueID int64, action string, actor protocol.Actor, payload any, kind notify.Kind, message string) {
	data, err := json.Marshal(map[string]any{"action": action, "detail": payload})
	if err != nil {
		t.cfg.Logger.Warn("fixattempt: encoding event", "action", action, "error", err)
	}
	t.cfg.Logger.Info("fix attempt event", "issue_id", issueID, "action", action, "actor", actor)

	if t.cfg.Auditor != nil {
		rec := store.ActivityRecord{IssueID: issueID, Type: action, Actor: actor, Payload: string(data), CreatedAt: t.nowFunc()}
		if err := t.cfg.Auditor.Append(ctx, rec); err != nil {
			t.cfg.Logger.Warn("fixattempt: audit append failed", "issue_id", issueID, "action", action, "error", err)
		}
	}
	if t.cfg.Publisher != nil {
		key := strconv.FormatInt(issueID, 10)
		t.cfg.Publisher.Publish(key, broadcast.NewEvent(broadcast.EventAction, key, json.RawMessage(data)))
	}
	if t.cfg.Notifier != nil && kind != "" {
		t.cfg.Notifier.Send(notify.Notification{
			Kind:       kind,
			IssueID:    issueID,
			Identifier: t.identifier(ctx, issueID),
			Actor:      string(actor),
			Message:    message,
			Data:       map[string]any{"action": action},
			At:         t.nowFunc().UTC(),
		})
	}
}

// identifier returns the issue's human key, or "" when it cannot be read.
func (t *Tracker) identifier(ctx context.Context, issueID int64) string {
	var ident string
	err := t.db.QueryRowContext(ctx, `SELECT identifier FROM issues WHERE id = ?`, issueID).Scan(&ident)
	if err != nil {
		t.cfg.Logger.Warn("fixattempt: lookup identifier", "issue_id", issueID, "error", err)
		return ""
	}
	return ident
}

func collect(rows *sql.Rows) ([]protocol.FixAttempt, error) {
	defer func() { _ = rows.Close() }()
	var out []protocol.FixAttempt
	for rows.Next() {
		fa, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix attempt: %w", err)
		}
		out = append(out, *fa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fix attempts: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
