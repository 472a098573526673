package jobrunner_test

import (
	"context"
	"strings"
	"testing"

	"fixloop/pkg/jobrunner"
)

func TestExecCommandRunner_Run_Success(t *testing.T) {
	runner := &jobrunner.ExecCommandRunner{}

	out, err := runner.Run(context.Background(), "echo", "hello world")
	if err != nil {
		t.Fatalf("Run(echo) failed: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "hello world" {
		t.Errorf("Run(echo) output = %q, want %q", got, "hello world")
	}
}

func TestExecCommandRunner_Run_NonZeroExit(t *testing.T) {
	runner := &jobrunner.ExecCommandRunner{}

	_, err := runner.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error should carry stderr, got %v", err)
	}
}
