package protocol

import (
	"errors"
	"fmt"
)

// NotFoundError reports that an entity the caller named does not exist.
type NotFoundError struct {
	Entity string // "issue", "status", "fix_attempt"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InvalidStateError reports an operation that is not valid for the current
// lifecycle state, e.g. cancelling a spawn that is not running.
type InvalidStateError struct {
	IssueID string
	Op      string
	State   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s issue %s: spawn status is %s", e.Op, e.IssueID, e.State)
}

// PreconditionError reports a request that is well formed but whose
// preconditions are not met (implement requested without an approved plan).
// It is distinct from AdmissionDeniedError so callers can render "fix your
// request" rather than "try again later".
type PreconditionError struct {
	IssueID string
	Reason  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for issue %s: %s", e.IssueID, e.Reason)
}

// AdmissionDeniedError reports that the admission gate refused a spawn
// because the daily budget or the concurrency cap is exhausted.
type AdmissionDeniedError struct {
	Reason          string
	BudgetRemaining int
	Running         int
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("spawn not admitted: %s", e.Reason)
}

// UpstreamUnavailableError wraps a failure talking to an external
// collaborator: the job runner, or the ledger's backing store.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CloseBlockedError reports that an issue cannot move into a closed status
// because a fix attempt is still awaiting verification.
type CloseBlockedError struct {
	IssueID string
	Reason  string
}

func (e *CloseBlockedError) Error() string {
	return fmt.Sprintf("issue %s cannot be closed: %s", e.IssueID, e.Reason)
}

// Error kinds returned by KindOf. Stable strings, used as API error codes.
const (
	KindNotFound            = "not_found"
	KindInvalidState        = "invalid_state"
	KindPreconditionFailed  = "precondition_failed"
	KindAdmissionDenied     = "admission_denied"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindValidation          = "validation_error"
	KindCloseBlocked        = "close_blocked"
	KindInternal            = "internal"
)

// KindOf classifies err into one of the Kind* codes by walking its chain.
func KindOf(err error) string {
	var (
		notFound   *NotFoundError
		invalid    *InvalidStateError
		precond    *PreconditionError
		denied     *AdmissionDeniedError
		upstream   *UpstreamUnavailableError
		validation *ValidationError
		blocked    *CloseBlockedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &invalid):
		return KindInvalidState
	case errors.As(err, &precond):
		return KindPreconditionFailed
	case errors.As(err, &denied):
		return KindAdmissionDenied
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &blocked):
		return KindCloseBlocked
	case errors.As(err, &upstream):
		return KindUpstreamUnavailable
	default:
		return KindInternal
	}
}
