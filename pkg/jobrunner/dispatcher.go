// Package jobrunner talks to the external CI provider that runs agent jobs.
//
// Runner is the provider surface (submit, list in-progress, cancel).
// Dispatcher layers fixloop's needs on top: building the job definition for
// an issue, resolving an opaque dispatch handle to a concrete run ID, and
// turning the provider's cancel response into an acknowledged flag.
package jobrunner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"fixloop/pkg/protocol"

	"github.com/google/uuid"
)

// Definition describes one job submission.
type Definition struct {
	Workflow      string            // workflow file, e.g. "agent-fix.yml"
	Ref           string            // git ref to run on
	Inputs        map[string]string // workflow inputs
	CorrelationID string            // fixloop-generated handle, also sent as an input
}

// Run is an in-progress job as reported by the provider.
type Run struct {
	ID        string
	Name      string // descriptive name; carries the issue identifier
	CreatedAt time.Time
}

// Runner is the external job runner.
type Runner interface {
	// Submit starts a job and returns a dispatch ID. Providers that know
	// the concrete run ID return it; others return def.CorrelationID.
	Submit(ctx context.Context, def Definition) (dispatchID string, err error)
	ListInProgress(ctx context.Context) ([]Run, error)
	// Cancel requests cancellation and returns the provider's status code.
	Cancel(ctx context.Context, runID string) (statusCode int, err error)
}

// CancelAccepted is the status code a runner returns when it accepts a
// cancellation request.
const CancelAccepted = 202

// SpawnableIssue is what the dispatcher needs to know about an issue.
type SpawnableIssue struct {
	ID         int64
	Identifier string
	Title      string
}

// Config holds Dispatcher configuration.
type Config struct {
	Ref           string                       // default "main"
	WorkflowFiles map[protocol.Workflow]string // default agent-<workflow>.yml
}

func (c *Config) withDefaults() Config {
	out := Config{Ref: c.Ref, WorkflowFiles: make(map[protocol.Workflow]string)}
	if out.Ref == "" {
		out.Ref = "main"
	}
	for _, wf := range []protocol.Workflow{protocol.WorkflowPlan, protocol.WorkflowImplement, protocol.WorkflowFix} {
		out.WorkflowFiles[wf] = "agent-" + string(wf) + ".yml"
	}
	for wf, file := range c.WorkflowFiles {
		if file != "" {
			out.WorkflowFiles[wf] = file
		}
	}
	return out
}

// Dispatcher submits, resolves, and cancels agent jobs.
type Dispatcher struct {
	cfg    Config
	runner Runner
	newID  func() string
}

// NewDispatcher creates a Dispatcher over runner.
func NewDispatcher(cfg Config, runner Runner) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		runner: runner,
		newID:  func() string { return "dispatch-" + uuid.NewString() },
	}
}

// Dispatch submits a job for issue. The returned ID may or may not equal the
// runner's eventual run ID; use ResolveRunID to find out.
func (d *Dispatcher) Dispatch(ctx context.Context, issue SpawnableIssue, workflow protocol.Workflow) (string, error) {
	file, ok := d.cfg.WorkflowFiles[workflow]
	if !ok {
		return "", &protocol.ValidationError{Field: "workflow", Reason: fmt.Sprintf("no job definition for %q", workflow)}
	}
	correlation := d.newID()
	def := Definition{
		Workflow: file,
		Ref:      d.cfg.Ref,
		Inputs: map[string]string{
			"issue_id":         strconv.FormatInt(issue.ID, 10),
			"issue_identifier": issue.Identifier,
			"issue_title":      issue.Title,
			"workflow":         string(workflow),
			"dispatch_id":      correlation,
		},
		CorrelationID: correlation,
	}

	id, err := d.runner.Submit(ctx, def)
	if err != nil {
		return "", &protocol.UpstreamUnavailableError{
			Service: "job runner",
			Err:     fmt.Errorf("submit %s for %s: %w", file, issue.Identifier, err),
		}
	}
	if id == "" {
		id = correlation
	}
	return id, nil
}

// ResolveRunID maps a dispatch ID to a concrete run ID. A numeric dispatch
// ID already is one. Otherwise the in-progress runs are scanned for one whose
// name contains identifier as a whole token; the newest match wins.
//
// ok is false when nothing matches. Two concurrent runs for the same
// identifier are indistinguishable here; the newest is picked.
func (d *Dispatcher) ResolveRunID(ctx context.Context, dispatchID, identifier string) (runID string, ok bool, err error) {
	if isNumeric(dispatchID) {
		return dispatchID, true, nil
	}
	if identifier == "" {
		return "", false, nil
	}

	runs, err := d.runner.ListInProgress(ctx)
	if err != nil {
		return "", false, &protocol.UpstreamUnavailableError{
			Service: "job runner",
			Err:     fmt.Errorf("list in-progress runs: %w", err),
		}
	}

	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	for _, r := range runs {
		if containsToken(r.Name, identifier) {
			return r.ID, true, nil
		}
	}
	return "", false, nil
}

// Cancel asks the runner to cancel runID and reports whether it accepted.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) (bool, error) {
	code, err := d.runner.Cancel(ctx, runID)
	if err != nil {
		return false, &protocol.UpstreamUnavailableError{
			Service: "job runner",
			Err:     fmt.Errorf("cancel run %s: %w", runID, err),
		}
	}
	return code == CancelAccepted, nil
}

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

// containsToken reports whether name contains ident not glued to further
// letters or digits, so "ENG-4" does not match a run named "fix ENG-42".
func containsToken(name, ident string) bool {
	for offset := 0; ; {
		i := strings.Index(name[offset:], ident)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(ident)
		before := start == 0 || !isWordRune(rune(name[start-1]))
		after := end == len(name) || !isWordRune(rune(name[end]))
		if before && after {
			return true
		}
		offset = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
