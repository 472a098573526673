package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fixloop/pkg/orchestrator"
	"fixloop/pkg/protocol"
)

// addServerFlag registers --server on a command that can run against the
// "fixloop serve" daemon instead of in-process.
func addServerFlag(cmd *cobra.Command, server *string) {
	cmd.Flags().StringVar(server, "server", "",
		"base URL of a running \"fixloop serve\" (e.g. http://localhost:8080); env FIXLOOP_SERVER")
}

// resolveServer is the --server flag, falling back to FIXLOOP_SERVER.
func resolveServer(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("FIXLOOP_SERVER")
}

// daemonClient drives spawn transitions through the daemon's HTTP API so
// its live observers see them.
type daemonClient struct {
	baseURL    string
	httpClient *http.Client
}

func newDaemonClient(baseURL string) *daemonClient {
	return &daemonClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// daemonError is an error response from the daemon. It keeps the daemon's
// error kind so the exit code matches an in-process run.
type daemonError struct {
	Status  int
	Kind    string
	Message string
}

func (e *daemonError) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

type spawnBody struct {
	Workflow string `json:"workflow"`
	Force    bool   `json:"force"`
}

func (c *daemonClient) spawn(ctx context.Context, issueID int64, workflow string, force bool, actor string) (orchestrator.SpawnResult, error) {
	var res orchestrator.SpawnResult
	err := c.do(ctx, http.MethodPost, issueID, "/spawn", actor, spawnBody{Workflow: workflow, Force: force}, &res)
	return res, err
}

func (c *daemonClient) cancel(ctx context.Context, issueID int64, actor string) (orchestrator.CancelResult, error) {
	var res orchestrator.CancelResult
	err := c.do(ctx, http.MethodDelete, issueID, "/spawn", actor, nil, &res)
	return res, err
}

func (c *daemonClient) do(ctx context.Context, method string, issueID int64, suffix, actor string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	url := c.baseURL + "/api/issues/" + strconv.FormatInt(issueID, 10) + suffix
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Fixloop-User", actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &protocol.UpstreamUnavailableError{Service: "fixloop daemon", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &protocol.UpstreamUnavailableError{Service: "fixloop daemon", Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error  string `json:"error"`
			Code   string `json:"code"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
			if e.Error == "" {
				e.Error = http.StatusText(resp.StatusCode)
			}
		}
		return &daemonError{Status: resp.StatusCode, Kind: e.Code, Message: e.Error}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// errorKind is protocol.KindOf that also understands daemon responses.
func errorKind(err error) string {
	var de *daemonError
	if errors.As(err, &de) && de.Kind != "" {
		return de.Kind
	}
	return protocol.KindOf(err)
}
