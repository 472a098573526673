package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"fixloop/pkg/protocol"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
	// Budget fields accompany admission_denied.
	BudgetRemaining *int `json:"budget_remaining,omitempty"`
	Running         *int `json:"running,omitempty"`
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debug("failed to encode json response", "status", status, "error", err)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case protocol.KindValidation:
		return http.StatusBadRequest
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindInvalidState, protocol.KindCloseBlocked:
		return http.StatusConflict
	case protocol.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case protocol.KindAdmissionDenied:
		return http.StatusTooManyRequests
	case protocol.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(logger *slog.Logger, w http.ResponseWriter, err error) {
	kind := protocol.KindOf(err)
	status := statusFor(kind)
	resp := errorResponse{Error: err.Error(), Code: kind}

	var (
		blocked *protocol.CloseBlockedError
		denied  *protocol.AdmissionDeniedError
	)
	switch {
	case errors.As(err, &blocked):
		resp.Reason = blocked.Reason
	case errors.As(err, &denied):
		resp.Reason = denied.Reason
		resp.BudgetRemaining = &denied.BudgetRemaining
		resp.Running = &denied.Running
		w.Header().Set("Retry-After", "60")
	}
	if status >= 500 {
		logger.Error("request failed", "code", kind, "error", err)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(logger, w, status, resp)
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &protocol.ValidationError{Field: "body", Reason: "empty request body"}
		}
		return &protocol.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func parsePathID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, &protocol.ValidationError{Field: "id", Reason: fmt.Sprintf("invalid issue id %q", raw)}
	}
	return id, nil
}

// actorFrom names the requesting user from X-Fixloop-User.
func actorFrom(r *http.Request) protocol.Actor {
	return protocol.UserActor(strings.TrimSpace(r.Header.Get("X-Fixloop-User")))
}

func issueKey(id int64) string { return strconv.FormatInt(id, 10) }
