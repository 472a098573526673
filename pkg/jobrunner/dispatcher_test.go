package jobrunner //nolint:testpackage // white-box tests for Dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"fixloop/pkg/protocol"
)

// fakeRunner records submissions and returns canned runs.
type fakeRunner struct {
	submitted  []Definition
	submitID   string
	submitErr  error
	runs       []Run
	listErr    error
	listCalls  int
	cancelCode int
	cancelErr  error
	cancelled  []string
}

func (f *fakeRunner) Submit(_ context.Context, def Definition) (string, error) {
	f.submitted = append(f.submitted, def)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeRunner) ListInProgress(_ context.Context) ([]Run, error) {
	f.listCalls++
	return f.runs, f.listErr
}

func (f *fakeRunner) Cancel(_ context.Context, runID string) (int, error) {
	f.cancelled = append(f.cancelled, runID)
	return f.cancelCode, f.cancelErr
}

func newTestDispatcher(r Runner) *Dispatcher {
	d := NewDispatcher(Config{}, r)
	d.newID = func() string { return "dispatch-test" }
	return d
}

func TestDispatch_BuildsDefinition(t *testing.T) {
	r := &fakeRunner{}
	d := newTestDispatcher(r)

	id, err := d.Dispatch(context.Background(), SpawnableIssue{ID: 7, Identifier: "ENG-7", Title: "Crash on save"}, protocol.WorkflowFix)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if id != "dispatch-test" {
		t.Errorf("dispatch id: got %q, want correlation id fallback", id)
	}
	if len(r.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(r.submitted))
	}
	def := r.submitted[0]
	if def.Workflow != "agent-fix.yml" {
		t.Errorf("workflow file: got %q", def.Workflow)
	}
	if def.Ref != "main" {
		t.Errorf("ref: got %q, want main", def.Ref)
	}
	want := map[string]string{
		"issue_id":         "7",
		"issue_identifier": "ENG-7",
		"issue_title":      "Crash on save",
		"workflow":         "fix",
		"dispatch_id":      "dispatch-test",
	}
	for k, v := range want {
		if def.Inputs[k] != v {
			t.Errorf("input %s: got %q, want %q", k, def.Inputs[k], v)
		}
	}
}

func TestDispatch_RunnerIDWins(t *testing.T) {
	r := &fakeRunner{submitID: "123456"}
	d := newTestDispatcher(r)

	id, err := d.Dispatch(context.Background(), SpawnableIssue{ID: 1, Identifier: "ENG-1"}, protocol.WorkflowPlan)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if id != "123456" {
		t.Errorf("got %q, want runner id", id)
	}
}

func TestDispatch_CustomWorkflowFile(t *testing.T) {
	r := &fakeRunner{}
	d := NewDispatcher(Config{Ref: "release", WorkflowFiles: map[protocol.Workflow]string{protocol.WorkflowImplement: "build.yml"}}, r)

	if _, err := d.Dispatch(context.Background(), SpawnableIssue{ID: 1, Identifier: "ENG-1"}, protocol.WorkflowImplement); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := r.submitted[0]; got.Workflow != "build.yml" || got.Ref != "release" {
		t.Errorf("got workflow=%q ref=%q", got.Workflow, got.Ref)
	}
}

func TestDispatch_UnknownWorkflow(t *testing.T) {
	d := newTestDispatcher(&fakeRunner{})
	_, err := d.Dispatch(context.Background(), SpawnableIssue{ID: 1}, protocol.Workflow("deploy"))
	var ve *protocol.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDispatch_SubmitErrorIsUpstream(t *testing.T) {
	r := &fakeRunner{submitErr: errors.New("connection refused")}
	d := newTestDispatcher(r)

	_, err := d.Dispatch(context.Background(), SpawnableIssue{ID: 1, Identifier: "ENG-1"}, protocol.WorkflowFix)
	var ue *protocol.UpstreamUnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
}

func TestResolveRunID_NumericPassesThrough(t *testing.T) {
	r := &fakeRunner{}
	d := newTestDispatcher(r)

	id, ok, err := d.ResolveRunID(context.Background(), "98765", "ENG-1")
	if err != nil || !ok || id != "98765" {
		t.Fatalf("got (%q, %v, %v)", id, ok, err)
	}
	if r.listCalls != 0 {
		t.Errorf("numeric id should not list runs, got %d calls", r.listCalls)
	}
}

func TestResolveRunID_MatchesNewestToken(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &fakeRunner{runs: []Run{
		{ID: "1", Name: "agent fix ENG-42", CreatedAt: base.Add(3 * time.Minute)},
		{ID: "2", Name: "agent fix ENG-4", CreatedAt: base},
		{ID: "3", Name: "agent plan ENG-4", CreatedAt: base.Add(time.Minute)},
	}}
	d := newTestDispatcher(r)

	id, ok, err := d.ResolveRunID(context.Background(), "dispatch-abc", "ENG-4")
	if err != nil {
		t.Fatalf("ResolveRunID: %v", err)
	}
	if !ok || id != "3" {
		t.Errorf("got (%q, %v), want newest whole-token match 3", id, ok)
	}
}

func TestResolveRunID_NoMatch(t *testing.T) {
	r := &fakeRunner{runs: []Run{{ID: "1", Name: "agent fix ENG-42"}}}
	d := newTestDispatcher(r)

	_, ok, err := d.ResolveRunID(context.Background(), "dispatch-abc", "ENG-4")
	if err != nil {
		t.Fatalf("ResolveRunID: %v", err)
	}
	if ok {
		t.Error("expected no match")
	}
}

func TestResolveRunID_ListError(t *testing.T) {
	r := &fakeRunner{listErr: errors.New("rate limited")}
	d := newTestDispatcher(r)

	_, _, err := d.ResolveRunID(context.Background(), "dispatch-abc", "ENG-4")
	var ue *protocol.UpstreamUnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
}

func TestCancel_AcceptedOnlyOn202(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{202, true},
		{409, false},
		{404, false},
	}
	for _, tt := range tests {
		r := &fakeRunner{cancelCode: tt.code}
		d := newTestDispatcher(r)
		got, err := d.Cancel(context.Background(), "55")
		if err != nil {
			t.Fatalf("Cancel(%d): %v", tt.code, err)
		}
		if got != tt.want {
			t.Errorf("code %d: got %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCancel_RunnerError(t *testing.T) {
	r := &fakeRunner{cancelErr: errors.New("timeout")}
	d := newTestDispatcher(r)

	ok, err := d.Cancel(context.Background(), "55")
	if ok {
		t.Error("expected not acknowledged")
	}
	var ue *protocol.UpstreamUnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamUnavailableError, got %v", err)
	}
}

func TestContainsToken(t *testing.T) {
	tests := []struct {
		name, ident string
		want        bool
	}{
		{"fix ENG-4", "ENG-4", true},
		{"ENG-4: crash", "ENG-4", true},
		{"fix ENG-42", "ENG-4", false},
		{"fix XENG-4", "ENG-4", false},
		{"ENG-42 then ENG-4", "ENG-4", true},
		{"", "ENG-4", false},
	}
	for _, tt := range tests {
		if got := containsToken(tt.name, tt.ident); got != tt.want {
			t.Errorf("containsToken(%q, %q) = %v, want %v", tt.name, tt.ident, got, tt.want)
		}
	}
}
