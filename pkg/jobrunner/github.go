package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// githubAPIVersion pins the GitHub REST API version header.
const githubAPIVersion = "2022-11-28"

// defaultBaseURL is the public GitHub API.
const defaultBaseURL = "https://api.github.com"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// GitHubConfig configures a GitHubRunner.
type GitHubConfig struct {
	// BaseURL defaults to https://api.github.com.
	BaseURL string
	Owner   string
	Repo    string
	// Token is a personal access or installation token with actions:write.
	Token string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// GitHubRunner runs agent jobs as GitHub Actions workflow_dispatch runs.
type GitHubRunner struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGitHubRunner validates cfg and creates a runner.
func NewGitHubRunner(cfg GitHubConfig) (*GitHubRunner, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github runner: owner and repo are required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github runner: token is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubRunner{
		baseURL:    baseURL,
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Submit triggers the workflow. GitHub answers 204 with no body, so the
// concrete run ID is unknown here and the correlation ID is returned.
func (g *GitHubRunner) Submit(ctx context.Context, def Definition) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches", g.owner, g.repo, def.Workflow)
	status, body, err := g.do(ctx, http.MethodPost, path, dispatchRequest{Ref: def.Ref, Inputs: def.Inputs})
	if err != nil {
		return "", fmt.Errorf("dispatching workflow %s: %w", def.Workflow, err)
	}
	if status < 200 || status >= 300 {
		return "", parseAPIError(status, body)
	}
	g.logger.Info("workflow dispatched", "workflow", def.Workflow, "ref", def.Ref, "dispatch_id", def.CorrelationID)
	return def.CorrelationID, nil
}

type workflowRunList struct {
	WorkflowRuns []struct {
		ID           int64     `json:"id"`
		Name         string    `json:"name"`
		DisplayTitle string    `json:"display_title"`
		CreatedAt    time.Time `json:"created_at"`
	} `json:"workflow_runs"`
}

// ListInProgress returns the repository's in-progress workflow runs. The
// run's display title (the workflow's run-name) is used as its name.
func (g *GitHubRunner) ListInProgress(ctx context.Context) ([]Run, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?status=in_progress&per_page=50", g.owner, g.repo)
	status, body, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs: %w", err)
	}
	if status != http.StatusOK {
		return nil, parseAPIError(status, body)
	}

	var list workflowRunList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("github: decoding workflow runs: %w", err)
	}
	runs := make([]Run, 0, len(list.WorkflowRuns))
	for _, r := range list.WorkflowRuns {
		name := r.DisplayTitle
		if name == "" {
			name = r.Name
		}
		runs = append(runs, Run{ID: strconv.FormatInt(r.ID, 10), Name: name, CreatedAt: r.CreatedAt})
	}
	return runs, nil
}

// Cancel requests cancellation of a run. GitHub returns 202 when accepted and
// 409 when the run already finished; both are returned as status codes, not
// errors.
func (g *GitHubRunner) Cancel(ctx context.Context, runID string) (int, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%s/cancel", g.owner, g.repo, runID)
	status, body, err := g.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return 0, fmt.Errorf("cancelling run %s: %w", runID, err)
	}
	if status != CancelAccepted {
		g.logger.Warn("workflow cancel not accepted", "run_id", runID, "status", status, "error", parseAPIError(status, body))
	}
	return status, nil
}

// do executes an authenticated request and returns the status and body.
func (g *GitHubRunner) do(ctx context.Context, method, path string, requestBody any) (int, []byte, error) {
	var reader io.Reader
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return 0, nil, fmt.Errorf("github: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("github: building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("github: reading response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func parseAPIError(status int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
