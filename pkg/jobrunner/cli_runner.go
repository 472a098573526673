package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// runURLPattern finds the run ID in the URL newer gh versions print after
// `gh workflow run`.
var runURLPattern = regexp.MustCompile(`/actions/runs/(\d+)`)

// CLIRunner implements Runner by shelling out to the gh CLI.
type CLIRunner struct {
	runner CommandRunner
	repo   string // owner/repo
}

// NewCLIRunner creates a CLIRunner for repo ("owner/name") backed by runner.
func NewCLIRunner(runner CommandRunner, repo string) *CLIRunner {
	return &CLIRunner{runner: runner, repo: repo}
}

// Submit runs `gh workflow run <file> --ref <ref> -f k=v ...`. When gh prints
// the created run's URL its numeric ID is returned; otherwise the
// correlation ID.
func (c *CLIRunner) Submit(ctx context.Context, def Definition) (string, error) {
	args := []string{"workflow", "run", def.Workflow, "--repo", c.repo}
	if def.Ref != "" {
		args = append(args, "--ref", def.Ref)
	}
	keys := make([]string, 0, len(def.Inputs))
	for k := range def.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-f", k+"="+def.Inputs[k])
	}

	out, err := c.runner.Run(ctx, "gh", args...)
	if err != nil {
		return "", fmt.Errorf("gh workflow run %s: %w", def.Workflow, err)
	}
	if m := runURLPattern.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	return def.CorrelationID, nil
}

type ghRun struct {
	DatabaseID   int64     `json:"databaseId"`
	DisplayTitle string    `json:"displayTitle"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListInProgress runs `gh run list --status in_progress --json ...`.
func (c *CLIRunner) ListInProgress(ctx context.Context) ([]Run, error) {
	out, err := c.runner.Run(ctx, "gh", "run", "list", "--repo", c.repo,
		"--status", "in_progress", "--limit", "50",
		"--json", "databaseId,displayTitle,name,createdAt")
	if err != nil {
		return nil, fmt.Errorf("gh run list: %w", err)
	}

	var parsed []ghRun
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse gh run list output: %w", err)
	}
	runs := make([]Run, 0, len(parsed))
	for _, r := range parsed {
		name := r.DisplayTitle
		if name == "" {
			name = r.Name
		}
		runs = append(runs, Run{ID: strconv.FormatInt(r.DatabaseID, 10), Name: name, CreatedAt: r.CreatedAt})
	}
	return runs, nil
}

// Cancel runs `gh run cancel <id>`. Success maps to 202. gh refusing because
// the run already finished maps to 409; other failures are errors.
func (c *CLIRunner) Cancel(ctx context.Context, runID string) (int, error) {
	_, err := c.runner.Run(ctx, "gh", "run", "cancel", runID, "--repo", c.repo)
	if err == nil {
		return CancelAccepted, nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "cannot cancel") || strings.Contains(msg, "already completed") {
		return 409, nil
	}
	return 0, fmt.Errorf("gh run cancel %s: %w", runID, err)
}
