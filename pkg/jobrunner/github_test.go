package jobrunner_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"fixloop/pkg/jobrunner"
)

func newGitHubRunner(t *testing.T, h http.HandlerFunc) *jobrunner.GitHubRunner {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	r, err := jobrunner.NewGitHubRunner(jobrunner.GitHubConfig{
		BaseURL: srv.URL,
		Owner:   "acme",
		Repo:    "app",
		Token:   "tok",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewGitHubRunner: %v", err)
	}
	return r
}

func TestNewGitHubRunner_RequiresFields(t *testing.T) {
	if _, err := jobrunner.NewGitHubRunner(jobrunner.GitHubConfig{Owner: "a", Token: "t"}); err == nil {
		t.Error("expected error for missing repo")
	}
	if _, err := jobrunner.NewGitHubRunner(jobrunner.GitHubConfig{Owner: "a", Repo: "b"}); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestGitHubRunner_Submit(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}
	r := newGitHubRunner(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotAuth = req.Header.Get("Authorization")
		_ = json.NewDecoder(req.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})

	id, err := r.Submit(context.Background(), jobrunner.Definition{
		Workflow:      "agent-fix.yml",
		Ref:           "main",
		Inputs:        map[string]string{"issue_identifier": "ENG-1"},
		CorrelationID: "dispatch-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "dispatch-1" {
		t.Errorf("id: got %q, want correlation id", id)
	}
	if gotPath != "/repos/acme/app/actions/workflows/agent-fix.yml/dispatches" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth: got %q", gotAuth)
	}
	if gotBody.Ref != "main" || gotBody.Inputs["issue_identifier"] != "ENG-1" {
		t.Errorf("body: got %+v", gotBody)
	}
}

func TestGitHubRunner_SubmitError(t *testing.T) {
	r := newGitHubRunner(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Unexpected inputs provided"}`))
	})

	_, err := r.Submit(context.Background(), jobrunner.Definition{Workflow: "agent-fix.yml"})
	var apiErr *jobrunner.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 422 || apiErr.Message != "Unexpected inputs provided" {
		t.Errorf("got %+v", apiErr)
	}
}

func TestGitHubRunner_ListInProgress(t *testing.T) {
	r := newGitHubRunner(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("status") != "in_progress" {
			t.Errorf("status query: got %q", req.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"workflow_runs":[
			{"id":11,"name":"agent-fix","display_title":"fix ENG-1","created_at":"2026-03-01T10:00:00Z"},
			{"id":12,"name":"agent-plan","display_title":"","created_at":"2026-03-01T11:00:00Z"}
		]}`))
	})

	runs, err := r.ListInProgress(context.Background())
	if err != nil {
		t.Fatalf("ListInProgress: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "11" || runs[0].Name != "fix ENG-1" {
		t.Errorf("run[0]: got %+v", runs[0])
	}
	if runs[1].Name != "agent-plan" {
		t.Errorf("run[1] name fallback: got %q", runs[1].Name)
	}
}

func TestGitHubRunner_Cancel(t *testing.T) {
	tests := []struct {
		status int
	}{
		{http.StatusAccepted},
		{http.StatusConflict},
	}
	for _, tt := range tests {
		var gotPath string
		r := newGitHubRunner(t, func(w http.ResponseWriter, req *http.Request) {
			gotPath = req.URL.Path
			w.WriteHeader(tt.status)
		})
		code, err := r.Cancel(context.Background(), "77")
		if err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if code != tt.status {
			t.Errorf("code: got %d, want %d", code, tt.status)
		}
		if gotPath != "/repos/acme/app/actions/runs/77/cancel" {
			t.Errorf("path: got %q", gotPath)
		}
	}
}
