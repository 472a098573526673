package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"fixloop/pkg/protocol"
	"fixloop/pkg/store"
)

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// fakeGitHub serves the workflow dispatch, run list and cancel endpoints.
type fakeGitHub struct {
	dispatches atomic.Int32
	cancels    atomic.Int32
	runName    atomic.Value // string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/dispatches"):
		f.dispatches.Add(1)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/actions/runs"):
		name, _ := f.runName.Load().(string)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"workflow_runs":[{"id":4242,"display_title":%q,"created_at":"2026-01-02T03:04:05Z"}]}`, name)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		f.cancels.Add(1)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, r)
	}
}

// setupEnv points fixloop at a temp config and database and returns the
// config path and database path.
func setupEnv(t *testing.T, extra string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "state.db")
	cfgPath = filepath.Join(dir, "fixloop.toml")
	body := fmt.Sprintf("db_path = %q\nlog_level = \"error\"\n\n[limits]\nmax_spawns = 2\n%s", dbPath, extra)
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	for _, k := range []string{"FIXLOOP_CONFIG", "FIXLOOP_MAX_SPAWNS", "FIXLOOP_DB_PATH", "FIXLOOP_RUNNER", "FIXLOOP_GITHUB_TOKEN", "FIXLOOP_SERVER"} {
		t.Setenv(k, "")
	}
	return cfgPath, dbPath
}

func seedIssue(t *testing.T, dbPath, identifier string) int64 {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenAndMigrate(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = db.Close() }()
	id, err := store.NewIssues(db).Create(ctx, store.NewIssue{Identifier: identifier, Title: "crash on login"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	return id
}

func TestCLICommands(t *testing.T) {
	t.Run("root --help lists subcommands", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, want := range []string{"serve", "budget", "fix-status", "spawn", "cancel", "logs", "migrate", "version"} {
			if !strings.Contains(out, want) {
				t.Errorf("help missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("--version prints version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		if err != nil || !strings.HasPrefix(out, "fixloop ") {
			t.Errorf("got %q, %v", out, err)
		}
	})

	t.Run("version subcommand", func(t *testing.T) {
		out, _, err := executeCommand("version")
		if err != nil || !strings.HasPrefix(out, "fixloop ") {
			t.Errorf("got %q, %v", out, err)
		}
	})

	t.Run("spawn requires an issue", func(t *testing.T) {
		if _, _, err := executeCommand("spawn"); err == nil {
			t.Error("expected error without issue argument")
		}
	})
}

func TestMigrateAndBudget(t *testing.T) {
	cfgPath, dbPath := setupEnv(t, "")

	out, _, err := executeCommand("migrate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, dbPath) {
		t.Errorf("migrate output: %q", out)
	}

	out, _, err = executeCommand("budget", "--config", cfgPath)
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if !strings.Contains(out, "0 / 2") || strings.Contains(out, "\x1b[") {
		t.Errorf("budget output should be plain and show 0 / 2, got %q", out)
	}

	out, _, err = executeCommand("budget", "--json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("budget --json: %v", err)
	}
	var b struct {
		SpawnCount int `json:"spawn_count"`
		MaxSpawns  int `json:"max_spawns"`
		Remaining  int `json:"remaining"`
	}
	if err := json.Unmarshal([]byte(out), &b); err != nil {
		t.Fatalf("decode: %v (%q)", err, out)
	}
	if b.MaxSpawns != 2 || b.Remaining != 2 {
		t.Errorf("budget json: %+v", b)
	}
}

func TestSpawnCancelAndFixStatus(t *testing.T) {
	gh := &fakeGitHub{}
	gh.runName.Store("agent fix ENG-7")
	srv := httptest.NewServer(gh)
	t.Cleanup(srv.Close)

	cfgPath, dbPath := setupEnv(t, fmt.Sprintf("\n[runner]\nowner = \"acme\"\nrepo = \"app\"\ntoken = \"tok\"\nbase_url = %q\n", srv.URL))
	seedIssue(t, dbPath, "ENG-7")

	out, _, err := executeCommand("spawn", "ENG-7", "--workflow", "fix", "--config", cfgPath)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !strings.Contains(out, "run 4242") || gh.dispatches.Load() != 1 {
		t.Errorf("spawn output %q, dispatches %d", out, gh.dispatches.Load())
	}

	_, _, err = executeCommand("spawn", "ENG-7", "--config", cfgPath)
	if protocol.KindOf(err) != protocol.KindInvalidState || exitCode(err) != 4 {
		t.Errorf("second spawn: %v (exit %d)", err, exitCode(err))
	}

	out, _, err = executeCommand("fix-status", "ENG-7", "--config", cfgPath)
	if err != nil {
		t.Fatalf("fix-status: %v", err)
	}
	if !strings.Contains(out, "running") || !strings.Contains(out, "allowed") {
		t.Errorf("fix-status output: %q", out)
	}

	out, _, err = executeCommand("cancel", "ENG-7", "--actor", "ana", "--config", cfgPath)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "runner acknowledged") || gh.cancels.Load() != 1 {
		t.Errorf("cancel output %q, cancels %d", out, gh.cancels.Load())
	}

	out, _, err = executeCommand("fix-status", "ENG-7", "--json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("fix-status --json: %v", err)
	}
	if !strings.Contains(out, `"can_close":true`) {
		t.Errorf("fix-status json: %q", out)
	}

	_, _, err = executeCommand("cancel", "ENG-7", "--config", cfgPath)
	if protocol.KindOf(err) != protocol.KindInvalidState {
		t.Errorf("cancel twice: %v", err)
	}

	out, _, err = executeCommand("logs", "ENG-7", "--config", cfgPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	started := strings.Index(out, "spawn_started")
	cancelled := strings.Index(out, "spawn_cancelled")
	if started < 0 || cancelled < started || !strings.Contains(out, "user:ana") {
		t.Errorf("logs should list spawn_started before spawn_cancelled by user:ana, got:\n%s", out)
	}
}

func TestSpawnAdmissionDenied(t *testing.T) {
	gh := &fakeGitHub{}
	srv := httptest.NewServer(gh)
	t.Cleanup(srv.Close)

	cfgPath, dbPath := setupEnv(t, fmt.Sprintf("\n[runner]\nowner = \"acme\"\nrepo = \"app\"\ntoken = \"tok\"\nbase_url = %q\n", srv.URL))
	t.Setenv("FIXLOOP_MAX_SPAWNS", "1")
	seedIssue(t, dbPath, "ENG-1")
	seedIssue(t, dbPath, "ENG-2")

	if _, _, err := executeCommand("spawn", "ENG-1", "--config", cfgPath); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	_, _, err := executeCommand("spawn", "ENG-2", "--config", cfgPath)
	if exitCode(err) != 3 {
		t.Errorf("second spawn: %v (exit %d), want admission denied", err, exitCode(err))
	}
	if _, _, err := executeCommand("spawn", "ENG-2", "--force", "--config", cfgPath); err != nil {
		t.Errorf("forced spawn: %v", err)
	}
}

func TestSpawn_MissingRunnerCredentials(t *testing.T) {
	cfgPath, dbPath := setupEnv(t, "")
	t.Setenv("GITHUB_TOKEN", "")
	seedIssue(t, dbPath, "ENG-1")

	if _, _, err := executeCommand("spawn", "ENG-1", "--config", cfgPath); err == nil {
		t.Error("expected error without runner owner/repo/token")
	}
	// Read-only commands work without a runner.
	if _, _, err := executeCommand("fix-status", "ENG-1", "--config", cfgPath); err != nil {
		t.Errorf("fix-status: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warn", "error"} {
		if _, err := parseLevel(s); err != nil {
			t.Errorf("parseLevel(%q): %v", s, err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&protocol.AdmissionDeniedError{Reason: "budget"}, 3},
		{&protocol.InvalidStateError{IssueID: "ENG-1", Op: "spawn", State: "running"}, 4},
		{&protocol.NotFoundError{Entity: "issue", ID: "ENG-1"}, 2},
		{&protocol.UpstreamUnavailableError{Service: "job runner", Err: os.ErrDeadlineExceeded}, 5},
		{os.ErrClosed, 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
