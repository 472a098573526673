package httpapi

import (
	"io"
	"net/http"
	"time"

	"fixloop/pkg/broadcast"
	"fixloop/pkg/fixattempt"
	"fixloop/pkg/orchestrator"
	"fixloop/pkg/protocol"
)

type spawnRequest struct {
	Workflow string `json:"workflow"`
	Force    bool   `json:"force"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r.PathValue("id"))
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	var req spawnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	res, err := s.svc.Spawn(r.Context(), orchestrator.SpawnRequest{
		IssueID:  id,
		Workflow: req.Workflow,
		Force:    req.Force,
		Actor:    actorFrom(r),
	})
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, res)
}

func (s *Server) handleCancelSpawn(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r.PathValue("id"))
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	res, err := s.svc.CancelSpawn(r.Context(), id, actorFrom(r))
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, res)
}

func (s *Server) handleFixStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r.PathValue("id"))
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	st, err := s.svc.GetFixStatus(r.Context(), id)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, st)
}

type statusRequest struct {
	StatusID int64 `json:"status_id"`
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r.PathValue("id"))
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	if req.StatusID <= 0 {
		writeError(s.logger, w, &protocol.ValidationError{Field: "status_id", Reason: "required"})
		return
	}
	if err := s.svc.ChangeStatus(r.Context(), id, req.StatusID, actorFrom(r)); err != nil {
		writeError(s.logger, w, err)
		return
	}
	issue, err := s.svc.Issue(r.Context(), id)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, issue)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.TodayBudget(r.Context())
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, struct {
		protocol.SpawnBudget
		Remaining int `json:"remaining"`
	}{b, b.Remaining()})
}

func (s *Server) handleRunCallback(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RunResult
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	tr, err := s.svc.CompleteRun(r.Context(), req)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, tr)
}

type activityCallback struct {
	IssueID int64               `json:"issue_id"`
	Type    broadcast.EventType `json:"type"`
	Payload map[string]any      `json:"payload"`
}

func (s *Server) handleActivityCallback(w http.ResponseWriter, r *http.Request) {
	var req activityCallback
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	if req.IssueID <= 0 {
		writeError(s.logger, w, &protocol.ValidationError{Field: "issue_id", Reason: "required"})
		return
	}
	if req.Type == "" {
		req.Type = broadcast.EventAction
	}
	if req.Type != broadcast.EventAction && req.Type != broadcast.EventTerminalOutput {
		writeError(s.logger, w, &protocol.ValidationError{Field: "type", Reason: "must be action or terminal_output"})
		return
	}
	key := issueKey(req.IssueID)
	s.svc.PublishActivity(key, broadcast.NewEvent(req.Type, key, req.Payload))
	w.WriteHeader(http.StatusNoContent)
}

type terminalCallback struct {
	Identifier string `json:"identifier"`
	Data       string `json:"data"`
}

func (s *Server) handleTerminalCallback(w http.ResponseWriter, r *http.Request) {
	var req terminalCallback
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	if req.Identifier == "" {
		writeError(s.logger, w, &protocol.ValidationError{Field: "identifier", Reason: "required"})
		return
	}
	s.svc.PublishTerminal(req.Identifier, []byte(req.Data))
	w.WriteHeader(http.StatusNoContent)
}

// handleTerminalRawCallback publishes the request body verbatim. Runners that
// forward PTY reads use it, since a JSON string cannot carry a chunk that
// splits a multi-byte character.
func (s *Server) handleTerminalRawCallback(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("identifier")
	chunk, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(s.logger, w, &protocol.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if len(chunk) > 0 {
		s.svc.PublishTerminal(identifier, chunk)
	}
	w.WriteHeader(http.StatusNoContent)
}

type prCallback struct {
	IssueID  int64  `json:"issue_id"`
	PRNumber int    `json:"pr_number"`
	PRURL    string `json:"pr_url"`
	PRTitle  string `json:"pr_title"`
	Source   string `json:"source"`
}

func (s *Server) handlePRCallback(w http.ResponseWriter, r *http.Request) {
	var req prCallback
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	fa, err := s.svc.LinkPR(r.Context(), fixattempt.LinkParams{
		IssueID: req.IssueID, PRNumber: req.PRNumber, PRURL: req.PRURL, PRTitle: req.PRTitle, Source: req.Source,
	})
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, fa)
}

type mergeCallback struct {
	IssueID  int64     `json:"issue_id"`
	PRNumber int       `json:"pr_number"`
	SHA      string    `json:"sha"`
	MergedAt time.Time `json:"merged_at"`
}

func (s *Server) handleMergeCallback(w http.ResponseWriter, r *http.Request) {
	var req mergeCallback
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	if req.MergedAt.IsZero() {
		req.MergedAt = time.Now()
	}
	fa, err := s.svc.RecordMerge(r.Context(), req.IssueID, req.PRNumber, req.SHA, req.MergedAt)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, fa)
}

type deployCallback struct {
	IssueID    int64     `json:"issue_id"`
	SHA        string    `json:"sha"`
	DeployedAt time.Time `json:"deployed_at"`
}

func (s *Server) handleDeployCallback(w http.ResponseWriter, r *http.Request) {
	var req deployCallback
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	if req.DeployedAt.IsZero() {
		req.DeployedAt = time.Now()
	}
	attempts, err := s.svc.RecordDeploy(r.Context(), req.IssueID, req.SHA, req.DeployedAt)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	if attempts == nil {
		attempts = []protocol.FixAttempt{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"verifying": attempts})
}

type errorsCallback struct {
	IssueID int64 `json:"issue_id"`
	Count   int   `json:"count"`
}

func (s *Server) handleErrorsCallback(w http.ResponseWriter, r *http.Request) {
	var req errorsCallback
	if err := decodeJSON(r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	n, err := s.svc.RecordErrorEvents(r.Context(), req.IssueID, req.Count)
	if err != nil {
		writeError(s.logger, w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]int{"updated": n})
}
