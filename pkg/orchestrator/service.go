// Package orchestrator is the single entry point for the issue-remediation
// engine. It composes the admission gate, the job dispatcher, the spawn and
// fix-attempt trackers and the broadcaster, and enforces the ordering
// between them:
//
//	validate → admit → claim → dispatch → attach run
//
// No lock is held across calls to the job runner. A spawn is claimed before
// it is dispatched, so two concurrent requests for one issue can never both
// reach the runner; a dispatch failure rolls the claim forward to failed.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"fixloop/pkg/admission"
	"fixloop/pkg/broadcast"
	"fixloop/pkg/fixattempt"
	"fixloop/pkg/jobrunner"
	"fixloop/pkg/notify"
	"fixloop/pkg/protocol"
	"fixloop/pkg/spawn"
	"fixloop/pkg/store"
)

// DefaultSpawnTimeout is how long a spawn may run before the reaper fails it.
const DefaultSpawnTimeout = 2 * time.Hour

// IssueStore is the issue collaborator. Implemented by *store.Issues.
type IssueStore interface {
	Get(ctx context.Context, id int64) (*protocol.Issue, error)
	GetByIdentifier(ctx context.Context, identifier string) (*protocol.Issue, error)
	GetStatus(ctx context.Context, id int64) (*protocol.IssueStatus, error)
	SetStatus(ctx context.Context, issueID, statusID int64) error
}

// Gate admits or denies spawns. Implemented by *admission.Gate.
type Gate interface {
	CanSpawn(ctx context.Context, workflow protocol.Workflow) (admission.Decision, error)
}

// Jobs submits and cancels agent jobs. Implemented by *jobrunner.Dispatcher.
type Jobs interface {
	Dispatch(ctx context.Context, issue jobrunner.SpawnableIssue, workflow protocol.Workflow) (string, error)
	ResolveRunID(ctx context.Context, dispatchID, identifier string) (string, bool, error)
	Cancel(ctx context.Context, runID string) (bool, error)
}

// Budget reads the spawn ledger. Implemented by *budget.Ledger.
type Budget interface {
	Today() string
	Get(ctx context.Context, date string) (protocol.SpawnBudget, error)
}

// Deps are the collaborators a Service composes.
type Deps struct {
	Issues      IssueStore
	Gate        Gate
	Jobs        Jobs
	Budget      Budget
	Spawns      *spawn.Tracker
	Fixes       *fixattempt.Tracker
	Broadcaster *broadcast.Broadcaster
	Auditor     spawn.Auditor
	Notifier    spawn.Notifier
}

// Config tunes a Service.
type Config struct {
	// SpawnTimeout before ReapStaleSpawns fails a running spawn.
	SpawnTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SpawnTimeout <= 0 {
		out.SpawnTimeout = DefaultSpawnTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Service is the orchestration façade.
type Service struct {
	Deps
	cfg    Config
	logger *slog.Logger
}

// New creates a Service.
func New(deps Deps, cfg Config) *Service {
	c := cfg.withDefaults()
	return &Service{Deps: deps, cfg: c, logger: c.Logger}
}

// SpawnRequest asks for an agent job on an issue.
type SpawnRequest struct {
	IssueID  int64
	Workflow string
	// Force skips the admission gate. Never a default.
	Force bool
	Actor protocol.Actor
}

// SpawnResult identifies the launched job.
type SpawnResult struct {
	DispatchID string `json:"dispatch_id"`
	RunID      string `json:"run_id"`
}

// Spawn validates, admits, claims and dispatches an agent job.
//
// Errors: *protocol.NotFoundError, *protocol.ValidationError,
// *protocol.PreconditionError, *protocol.InvalidStateError,
// *protocol.AdmissionDeniedError, *protocol.UpstreamUnavailableError.
// Budget consumed by an admitted spawn is not refunded when dispatch fails.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error) {
	issue, err := s.Issues.Get(ctx, req.IssueID)
	if err != nil {
		return SpawnResult{}, err
	}
	workflow, err := protocol.ParseWorkflow(req.Workflow)
	if err != nil {
		return SpawnResult{}, err
	}
	if workflow == protocol.WorkflowImplement && !issue.PlanApproved {
		return SpawnResult{}, &protocol.PreconditionError{IssueID: issue.Identifier, Reason: "implement requires an approved plan"}
	}
	if issue.Spawn.Status == protocol.SpawnRunning {
		return SpawnResult{}, &protocol.InvalidStateError{IssueID: issue.Identifier, Op: "spawn", State: string(issue.Spawn.Status)}
	}
	actor := req.Actor
	if actor == "" {
		actor = protocol.ActorSystem
	}

	if req.Force {
		s.logger.Warn("admission bypassed", "issue_id", issue.ID, "identifier", issue.Identifier, "workflow", workflow, "actor", actor)
	} else {
		decision, err := s.Gate.CanSpawn(ctx, workflow)
		if err != nil {
			return SpawnResult{}, err
		}
		if !decision.Allowed {
			return SpawnResult{}, decision.Err()
		}
	}

	if _, err := s.Spawns.Claim(ctx, issue.ID, workflow, actor); err != nil {
		return SpawnResult{}, err
	}

	dispatchID, err := s.Jobs.Dispatch(ctx, jobrunner.SpawnableIssue{ID: issue.ID, Identifier: issue.Identifier, Title: issue.Title}, workflow)
	if err != nil {
		if _, ferr := s.Spawns.Fail(context.WithoutCancel(ctx), issue.ID, "Dispatch failed: "+err.Error(), protocol.ActorSystem); ferr != nil {
			s.logger.Error("recording dispatch failure", "issue_id", issue.ID, "error", ferr)
		}
		var ue *protocol.UpstreamUnavailableError
		if !errors.As(err, &ue) {
			err = &protocol.UpstreamUnavailableError{Service: "job runner", Err: err}
		}
		return SpawnResult{}, err
	}

	runID, ok, err := s.Jobs.ResolveRunID(ctx, dispatchID, issue.Identifier)
	if err != nil {
		s.logger.Warn("resolving run id", "issue_id", issue.ID, "dispatch_id", dispatchID, "error", err)
	}
	if err != nil || !ok {
		runID = dispatchID
	}
	if _, err := s.Spawns.AttachRun(ctx, issue.ID, runID, protocol.ActorSystem); err != nil {
		// The spawn finished or was cancelled between dispatch and here.
		s.logger.Warn("attaching run id", "issue_id", issue.ID, "run_id", runID, "error", err)
	}
	return SpawnResult{DispatchID: dispatchID, RunID: runID}, nil
}

// CancelResult reports whether the job runner acknowledged cancellation.
type CancelResult struct {
	GHCancelled bool `json:"gh_cancelled"`
}

// CancelSpawn cancels the issue's running spawn. The remote cancel is best
// effort: its failure only leaves GHCancelled false. The local spawn is
// failed with "Cancelled by user" regardless.
func (s *Service) CancelSpawn(ctx context.Context, issueID int64, actor protocol.Actor) (CancelResult, error) {
	issue, err := s.Issues.Get(ctx, issueID)
	if err != nil {
		return CancelResult{}, err
	}
	if issue.Spawn.Status != protocol.SpawnRunning {
		return CancelResult{}, &protocol.InvalidStateError{IssueID: issue.Identifier, Op: "cancel", State: string(issue.Spawn.Status)}
	}

	var result CancelResult
	runID, ok, err := s.Jobs.ResolveRunID(ctx, issue.Spawn.RunID, issue.Identifier)
	switch {
	case err != nil:
		s.logger.Warn("cancel: resolving run id", "issue_id", issue.ID, "run_id", issue.Spawn.RunID, "error", err)
	case !ok:
		s.logger.Warn("cancel: no in-progress run found", "issue_id", issue.ID, "identifier", issue.Identifier)
	default:
		acked, err := s.Jobs.Cancel(ctx, runID)
		if err != nil {
			s.logger.Warn("cancel: job runner", "issue_id", issue.ID, "run_id", runID, "error", err)
		}
		result.GHCancelled = acked
	}

	if actor == "" {
		actor = protocol.UserActor("")
	}
	if _, err := s.Spawns.Cancel(ctx, issue.ID, actor); err != nil {
		return result, err
	}
	return result, nil
}

// RunResult is a CI completion callback.
type RunResult struct {
	IssueID    int64  `json:"issue_id"`
	Identifier string `json:"identifier,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	// Conclusion is the runner's verdict: success, failure, cancelled, ...
	Conclusion string `json:"conclusion"`
}

// CompleteRun finishes the issue's running spawn from a CI callback. A
// callback for a different run than the one attached is rejected.
func (s *Service) CompleteRun(ctx context.Context, r RunResult) (spawn.Transition, error) {
	issue, err := s.lookup(ctx, r.IssueID, r.Identifier)
	if err != nil {
		return spawn.Transition{}, err
	}
	if r.Conclusion == "" {
		return spawn.Transition{}, &protocol.ValidationError{Field: "conclusion", Reason: "required"}
	}
	if r.RunID != "" && isNumeric(r.RunID) && isNumeric(issue.Spawn.RunID) && r.RunID != issue.Spawn.RunID {
		return spawn.Transition{}, &protocol.InvalidStateError{
			IssueID: issue.Identifier, Op: "complete run " + r.RunID + " for", State: "attached to run " + issue.Spawn.RunID,
		}
	}
	if r.RunID != "" && isNumeric(r.RunID) && !isNumeric(issue.Spawn.RunID) && issue.Spawn.Status == protocol.SpawnRunning {
		if _, err := s.Spawns.AttachRun(ctx, issue.ID, r.RunID, protocol.ActorCI); err != nil {
			s.logger.Warn("attaching run id from callback", "issue_id", issue.ID, "run_id", r.RunID, "error", err)
		}
	}
	if r.Conclusion == "success" {
		return s.Spawns.Succeed(ctx, issue.ID, r.Conclusion, protocol.ActorCI)
	}
	return s.Spawns.Fail(ctx, issue.ID, r.Conclusion, protocol.ActorCI)
}

// GetFixStatus returns the issue's fix status, resolving expired
// verifications first.
func (s *Service) GetFixStatus(ctx context.Context, issueID int64) (fixattempt.FixStatus, error) {
	return s.Fixes.Status(ctx, issueID)
}

// ChangeStatus moves the issue into statusID. Moving into a closed status is
// refused with *protocol.CloseBlockedError while a fix awaits verification.
func (s *Service) ChangeStatus(ctx context.Context, issueID, statusID int64, actor protocol.Actor) error {
	issue, err := s.Issues.Get(ctx, issueID)
	if err != nil {
		return err
	}
	status, err := s.Issues.GetStatus(ctx, statusID)
	if err != nil {
		return err
	}
	if status.IsClosed {
		if _, err := s.Fixes.CheckVerification(ctx, issue.ID); err != nil {
			return err
		}
		check, err := s.Fixes.CanMoveToCloseStatus(ctx, issue.ID)
		if err != nil {
			return err
		}
		if !check.Allowed {
			return &protocol.CloseBlockedError{IssueID: issue.Identifier, Reason: check.Reason}
		}
	}
	if err := s.Issues.SetStatus(ctx, issue.ID, status.ID); err != nil {
		return err
	}

	if actor == "" {
		actor = protocol.ActorSystem
	}
	payload, _ := json.Marshal(map[string]any{
		"action": "status_changed", "from_status_id": issue.StatusID, "to_status_id": status.ID,
		"status": status.Name, "actor": actor,
	})
	if s.Auditor != nil {
		rec := store.ActivityRecord{IssueID: issue.ID, Type: "status_changed", Actor: actor, Payload: string(payload)}
		if err := s.Auditor.Append(ctx, rec); err != nil {
			s.logger.Warn("status change audit failed", "issue_id", issue.ID, "error", err)
		}
	}
	s.PublishActivity(issueKey(issue.ID), broadcast.NewEvent(broadcast.EventAction, issueKey(issue.ID), json.RawMessage(payload)))
	s.logger.Info("issue status changed", "issue_id", issue.ID, "identifier", issue.Identifier,
		"from", issue.StatusID, "to", status.ID, "actor", actor)
	if s.Notifier != nil {
		s.Notifier.Send(notify.Notification{
			Kind:       notify.KindStatusChanged,
			IssueID:    issue.ID,
			Identifier: issue.Identifier,
			Actor:      string(actor),
			Message:    fmt.Sprintf("%s moved to %s", issue.Identifier, status.Name),
		})
	}
	return nil
}

// LinkPR records a pull request as a fix attempt for its issue.
func (s *Service) LinkPR(ctx context.Context, p fixattempt.LinkParams) (*protocol.FixAttempt, error) {
	return s.Fixes.LinkPR(ctx, p)
}

// RecordMerge records a fix PR's merge.
func (s *Service) RecordMerge(ctx context.Context, issueID int64, prNumber int, sha string, at time.Time) (*protocol.FixAttempt, error) {
	return s.Fixes.RecordMerge(ctx, issueID, prNumber, sha, at)
}

// RecordDeploy starts verification of the deployed fix.
func (s *Service) RecordDeploy(ctx context.Context, issueID int64, sha string, at time.Time) ([]protocol.FixAttempt, error) {
	if _, err := s.Issues.Get(ctx, issueID); err != nil {
		return nil, err
	}
	return s.Fixes.RecordDeploy(ctx, issueID, sha, at)
}

// RecordErrorEvents counts error-tracker events seen after deploy.
func (s *Service) RecordErrorEvents(ctx context.Context, issueID int64, count int) (int, error) {
	if _, err := s.Issues.Get(ctx, issueID); err != nil {
		return 0, err
	}
	return s.Fixes.RecordErrorEvents(ctx, issueID, count)
}

// PublishActivity offers ev to observers of issueKey.
func (s *Service) PublishActivity(issueKey string, ev broadcast.Event) {
	s.Broadcaster.Activity.Publish(issueKey, ev)
}

// PublishTerminal offers a raw terminal chunk to observers of identifier.
func (s *Service) PublishTerminal(identifier string, chunk []byte) {
	s.Broadcaster.Terminal.Publish(identifier, broadcast.TerminalOutput(identifier, chunk))
}

// SubscribeActivity registers an observer of issueKey's activity. The
// subscription ends when ctx is cancelled.
func (s *Service) SubscribeActivity(ctx context.Context, issueKey string) *broadcast.Subscription {
	return s.Broadcaster.Activity.Subscribe(ctx, issueKey)
}

// SubscribeTerminal registers an observer of identifier's terminal output.
func (s *Service) SubscribeTerminal(ctx context.Context, identifier string) *broadcast.Subscription {
	return s.Broadcaster.Terminal.Subscribe(ctx, identifier)
}

// ReapStaleSpawns fails spawns running longer than the configured timeout.
func (s *Service) ReapStaleSpawns(ctx context.Context) ([]spawn.Transition, error) {
	trs, err := s.Spawns.FailStale(ctx, s.cfg.SpawnTimeout, protocol.ActorSystem)
	if len(trs) > 0 {
		s.logger.Info("reaped stale spawns", "count", len(trs), "timeout", s.cfg.SpawnTimeout)
	}
	return trs, err
}

// RunReaper calls ReapStaleSpawns every interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapStaleSpawns(ctx); err != nil {
				s.logger.Error("reaping stale spawns", "error", err)
			}
		}
	}
}

// TodayBudget returns today's ledger record. A day with no spawns yet
// reports a zero count against the current cap.
func (s *Service) TodayBudget(ctx context.Context) (protocol.SpawnBudget, error) {
	return s.Budget.Get(ctx, s.Budget.Today())
}

// Issue returns the issue with its spawn state.
func (s *Service) Issue(ctx context.Context, issueID int64) (*protocol.Issue, error) {
	return s.Issues.Get(ctx, issueID)
}

// ResolveIssue accepts a numeric ID or an identifier such as ENG-42.
func (s *Service) ResolveIssue(ctx context.Context, ref string) (*protocol.Issue, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.Issues.Get(ctx, id)
	}
	return s.Issues.GetByIdentifier(ctx, ref)
}

func (s *Service) lookup(ctx context.Context, id int64, identifier string) (*protocol.Issue, error) {
	if id != 0 {
		return s.Issues.Get(ctx, id)
	}
	if identifier == "" {
		return nil, &protocol.ValidationError{Field: "issue_id", Reason: "issue_id or identifier required"}
	}
	return s.Issues.GetByIdentifier(ctx, identifier)
}

func issueKey(id int64) string { return strconv.FormatInt(id, 10) }

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
