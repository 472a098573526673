package config //nolint:testpackage // white-box tests cover unexported decode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fixloop/pkg/protocol"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FIXLOOP_HOME", "FIXLOOP_DB_PATH", "FIXLOOP_LISTEN", "FIXLOOP_AUTH_TOKEN", "FIXLOOP_LOG_LEVEL",
		"FIXLOOP_RUNNER", "FIXLOOP_GITHUB_TOKEN", "FIXLOOP_WEBHOOK_URL", "FIXLOOP_WEBHOOK_SECRET",
		"FIXLOOP_MAX_SPAWNS", "FIXLOOP_MAX_CONCURRENT", "GITHUB_TOKEN",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, t.TempDir(), "fixloop.toml", `
db_path = "/var/lib/fixloop/state.db"
listen = "127.0.0.1:9000"

[limits]
max_spawns = 7
max_concurrent = 2

[spawn]
timeout = "90m"

[verification]
observation_window = "12h"
tolerance = 3

[runner]
kind = "gh"
owner = "acme"
repo = "app"

[runner.workflows]
fix = "repair.yml"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/fixloop/state.db" || cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("paths: %+v", cfg)
	}
	if cfg.Limits.MaxSpawns != 7 || cfg.Limits.MaxConcurrent != 2 {
		t.Errorf("limits: %+v", cfg.Limits)
	}
	if cfg.Spawn.Timeout.D() != 90*time.Minute || cfg.Verification.ObservationWindow.D() != 12*time.Hour {
		t.Errorf("durations: %v %v", cfg.Spawn.Timeout.D(), cfg.Verification.ObservationWindow.D())
	}
	if cfg.Spawn.ReapInterval.D() != 5*time.Minute {
		t.Errorf("reap interval default: %v", cfg.Spawn.ReapInterval.D())
	}
	if cfg.Runner.RepoSlug() != "acme/app" || cfg.Runner.Kind != RunnerGH {
		t.Errorf("runner: %+v", cfg.Runner)
	}
	if got := cfg.Runner.WorkflowFiles()[protocol.WorkflowFix]; got != "repair.yml" {
		t.Errorf("fix workflow = %q", got)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, t.TempDir(), "fixloop.yaml", `
auth_token: s3cret
limits:
  max_spawns: 4
verification:
  tolerance: 1
  error_source: bugsnag
notify:
  webhook_url: https://hooks.example.com/fixloop
  webhook_secret: shh
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "s3cret" || cfg.Limits.MaxSpawns != 4 || cfg.Verification.Tolerance != 1 {
		t.Errorf("cfg: %+v", cfg)
	}
	if cfg.Verification.ErrorSource != "bugsnag" || cfg.Notify.WebhookSecret != "shh" {
		t.Errorf("verification/notify: %+v %+v", cfg.Verification, cfg.Notify)
	}
	if cfg.Limits.MaxConcurrent != 3 {
		t.Errorf("max_concurrent default = %d, want 3", cfg.Limits.MaxConcurrent)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("FIXLOOP_HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "state.db") {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.Limits.MaxSpawns != 20 || cfg.Runner.Kind != RunnerGitHub || cfg.Runner.Ref != "main" {
		t.Errorf("defaults: %+v", cfg)
	}
	if cfg.Verification.ErrorSource != protocol.DefaultErrorSource {
		t.Errorf("error source = %q", cfg.Verification.ErrorSource)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, t.TempDir(), "fixloop.toml", "[limits]\nmax_spawns = 7\n")
	t.Setenv("FIXLOOP_MAX_SPAWNS", "2")
	t.Setenv("FIXLOOP_AUTH_TOKEN", "from-env")
	t.Setenv("GITHUB_TOKEN", "ghp_fallback")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.MaxSpawns != 2 || cfg.AuthToken != "from-env" || cfg.Runner.Token != "ghp_fallback" {
		t.Errorf("env overrides: %+v", cfg)
	}

	t.Setenv("FIXLOOP_GITHUB_TOKEN", "ghp_explicit")
	cfg, err = Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runner.Token != "ghp_explicit" {
		t.Errorf("token = %q, want FIXLOOP_GITHUB_TOKEN to win", cfg.Runner.Token)
	}

	t.Setenv("FIXLOOP_MAX_CONCURRENT", "lots")
	if _, err := Load(p); err == nil {
		t.Error("expected error for non-numeric FIXLOOP_MAX_CONCURRENT")
	}
}

func TestLoad_Rejects(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	tests := []struct {
		name, file, body string
		validation       bool
	}{
		{"unknown toml key", "a.toml", "max_spawn = 3\n", false},
		{"unknown yaml key", "b.yaml", "limitz:\n  max_spawns: 3\n", false},
		{"bad duration", "c.toml", "[spawn]\ntimeout = \"soon\"\n", false},
		{"unsupported extension", "d.json", "{}", false},
		{"negative tolerance", "e.toml", "[verification]\ntolerance = -1\n", true},
		{"unknown runner", "f.toml", "[runner]\nkind = \"jenkins\"\n", true},
		{"unknown workflow", "g.yaml", "runner:\n  workflows:\n    deploy: deploy.yml\n", true},
		{"secret without url", "h.yaml", "notify:\n  webhook_secret: x\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.file, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			var ve *protocol.ValidationError
			if got := errors.As(err, &ve); got != tt.validation {
				t.Errorf("ValidationError = %v, want %v (err: %v)", got, tt.validation, err)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatch_Reloads(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, t.TempDir(), "fixloop.toml", "[limits]\nmax_spawns = 5\n")

	var (
		mu  sync.Mutex
		got []int
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c *Config) {
			mu.Lock()
			got = append(got, c.Limits.MaxSpawns)
			mu.Unlock()
		})
	}()

	last := func() int {
		mu.Lock()
		defer mu.Unlock()
		if len(got) == 0 {
			return 0
		}
		return got[len(got)-1]
	}

	// The watcher may not be registered yet; rewrite until a reload lands.
	deadline := time.Now().Add(5 * time.Second)
	for last() != 9 {
		if time.Now().After(deadline) {
			t.Fatalf("reload not observed, last max_spawns %d", last())
		}
		writeFile(t, filepath.Dir(p), "fixloop.toml", "[limits]\nmax_spawns = 9\n")
		time.Sleep(150 * time.Millisecond)
	}

	// An invalid rewrite is skipped.
	writeFile(t, filepath.Dir(p), "fixloop.toml", "[limits]\nmax_spawns = \"many\"\n")
	time.Sleep(300 * time.Millisecond)
	if last() != 9 {
		t.Errorf("invalid config applied: max_spawns %d", last())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
