package protocol

import (
	"fmt"
	"strings"
	"time"
)

// SpawnStatus is the lifecycle state of an issue's agent job.
type SpawnStatus string

// Spawn status constants. Idle is the state of an issue that never spawned.
const (
	SpawnIdle      SpawnStatus = "idle"
	SpawnRunning   SpawnStatus = "running"
	SpawnFailed    SpawnStatus = "failed"
	SpawnSucceeded SpawnStatus = "succeeded"
)

// Terminal reports whether s is a finished spawn.
func (s SpawnStatus) Terminal() bool {
	return s == SpawnFailed || s == SpawnSucceeded
}

// VerificationStatus is the verification state of a fix attempt.
type VerificationStatus string

// Verification status constants. Pending and verifying block closing the issue.
const (
	VerificationPending   VerificationStatus = "pending"
	VerificationVerifying VerificationStatus = "verifying"
	VerificationVerified  VerificationStatus = "verified"
	VerificationFailed    VerificationStatus = "failed"
)

// Unresolved reports whether v still awaits a decision.
func (v VerificationStatus) Unresolved() bool {
	return v == VerificationPending || v == VerificationVerifying
}

// Workflow names the kind of agent job to launch.
type Workflow string

// Known workflows.
const (
	WorkflowPlan      Workflow = "plan"      // Investigate and write a remediation plan.
	WorkflowImplement Workflow = "implement" // Implement an approved plan; opens a PR.
	WorkflowFix       Workflow = "fix"       // One-shot fix without a separate plan.
)

// ParseWorkflow validates s as a known workflow. Matching is case-insensitive.
func ParseWorkflow(s string) (Workflow, error) {
	w := Workflow(strings.ToLower(strings.TrimSpace(s)))
	switch w {
	case WorkflowPlan, WorkflowImplement, WorkflowFix:
		return w, nil
	case "":
		return "", &ValidationError{Field: "workflow", Reason: "required"}
	default:
		return "", &ValidationError{Field: "workflow", Reason: fmt.Sprintf("unknown workflow %q", s)}
	}
}

// Actor identifies who triggered a transition, for the audit trail.
type Actor string

// Actor kinds. User actors carry a name: "user:alice".
const (
	ActorSystem Actor = "system"
	ActorAgent  Actor = "agent"
	ActorCI     Actor = "ci"
)

// UserActor returns the actor for a named user.
func UserActor(name string) Actor {
	if name == "" {
		return "user"
	}
	return Actor("user:" + name)
}

// Issue is the slice of the issue entity the engine reads and writes.
type Issue struct {
	ID           int64      `json:"id"`
	Identifier   string     `json:"identifier"` // human key, e.g. ENG-42
	Title        string     `json:"title"`
	StatusID     int64      `json:"status_id,omitempty"`
	PlanApproved bool       `json:"plan_approved"`
	Spawn        SpawnState `json:"spawn"`
}

// SpawnState is the spawn bookkeeping embedded in an issue.
type SpawnState struct {
	Status      SpawnStatus `json:"status"`
	Workflow    Workflow    `json:"workflow,omitempty"`
	RunID       string      `json:"run_id,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Outcome     string      `json:"outcome,omitempty"`
}

// IssueStatus is a workflow status an issue can move into.
type IssueStatus struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsClosed bool   `json:"is_closed"`
}

// FixAttempt is one pull request linked to an issue and its verification state.
type FixAttempt struct {
	ID                   int64              `json:"id"`
	IssueID              int64              `json:"issue_id"`
	PRNumber             int                `json:"pr_number"`
	PRURL                string             `json:"pr_url"`
	PRTitle              string             `json:"pr_title"`
	Source               string             `json:"source"`
	MergedAt             *time.Time         `json:"merged_at,omitempty"`
	MergedSHA            string             `json:"merged_sha,omitempty"`
	DeployedAt           *time.Time         `json:"deployed_at,omitempty"`
	DeployedSHA          string             `json:"deployed_sha,omitempty"`
	VerificationStatus   VerificationStatus `json:"verification_status"`
	VerificationDeadline *time.Time         `json:"verification_deadline,omitempty"`
	FailureReason        string             `json:"failure_reason,omitempty"`
	EventsPostDeploy     int                `json:"sentry_events_post_deploy"`
	CreatedAt            time.Time          `json:"created_at"`
}

// SpawnBudget is one day's row in the spawn ledger.
type SpawnBudget struct {
	Date       string `json:"date"` // YYYY-MM-DD, UTC
	SpawnCount int    `json:"spawn_count"`
	MaxSpawns  int    `json:"max_spawns"`
}

// Remaining returns how many spawns are left today, never negative.
func (b SpawnBudget) Remaining() int {
	if b.SpawnCount >= b.MaxSpawns {
		return 0
	}
	return b.MaxSpawns - b.SpawnCount
}

// DateFormat is the layout of SpawnBudget.Date.
const DateFormat = "2006-01-02"

// BudgetDate returns the ledger key for t.
func BudgetDate(t time.Time) string {
	return t.UTC().Format(DateFormat)
}

// FormatTime renders t the way timestamps are stored in SQLite.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp. Empty input yields nil.
func ParseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil //nolint:nilnil // absent timestamp is not an error
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return &t, nil
}
