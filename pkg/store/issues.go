package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fixloop/pkg/protocol"
)

// IssueColumns is the column list ScanIssue expects, in order.
const IssueColumns = `id, identifier, title, COALESCE(status_id, 0), plan_approved,
	spawn_status, COALESCE(spawn_workflow, ''), COALESCE(spawn_run_id, ''),
	COALESCE(spawn_started_at, ''), COALESCE(spawn_completed_at, ''), COALESCE(spawn_outcome, '')`

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanIssue reads one row selected with IssueColumns.
func ScanIssue(row RowScanner) (*protocol.Issue, error) {
	var (
		iss                protocol.Issue
		planApproved       int
		status, workflow   string
		started, completed string
		runID, outcome     string
	)
	if err := row.Scan(&iss.ID, &iss.Identifier, &iss.Title, &iss.StatusID, &planApproved,
		&status, &workflow, &runID, &started, &completed, &outcome); err != nil {
		return nil, err
	}
	iss.PlanApproved = planApproved != 0
	iss.Spawn.Status = protocol.SpawnStatus(status)
	iss.Spawn.Workflow = protocol.Workflow(workflow)
	iss.Spawn.RunID = runID
	iss.Spawn.Outcome = outcome

	var err error
	if iss.Spawn.StartedAt, err = protocol.ParseTime(started); err != nil {
		return nil, err
	}
	if iss.Spawn.CompletedAt, err = protocol.ParseTime(completed); err != nil {
		return nil, err
	}
	return &iss, nil
}

// NewIssue holds parameters for creating an issue.
type NewIssue struct {
	Identifier   string
	Title        string
	StatusID     int64
	PlanApproved bool
}

// Issues is the SQLite-backed issue repository. The engine treats issue
// CRUD as an external collaborator; this is the collaborator the daemon and
// tests run against.
type Issues struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewIssues creates an Issues repository backed by db.
func NewIssues(db *sql.DB) *Issues {
	return &Issues{db: db, nowFunc: time.Now}
}

// Create inserts an issue and returns its ID.
func (s *Issues) Create(ctx context.Context, n NewIssue) (int64, error) {
	if n.Identifier == "" {
		return 0, &protocol.ValidationError{Field: "identifier", Reason: "required"}
	}
	var statusID any
	if n.StatusID != 0 {
		statusID = n.StatusID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO issues (identifier, title, status_id, plan_approved, updated_at) VALUES (?, ?, ?, ?, ?)`,
		n.Identifier, n.Title, statusID, boolInt(n.PlanApproved), protocol.FormatTime(s.nowFunc()))
	if err != nil {
		return 0, fmt.Errorf("create issue %s: %w", n.Identifier, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create issue last insert id: %w", err)
	}
	return id, nil
}

// Get returns the issue with the given ID or a *protocol.NotFoundError.
func (s *Issues) Get(ctx context.Context, id int64) (*protocol.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+IssueColumns+` FROM issues WHERE id = ?`, id)
	iss, err := ScanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "issue", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", id, err)
	}
	return iss, nil
}

// GetByIdentifier returns the issue with the given human identifier.
func (s *Issues) GetByIdentifier(ctx context.Context, identifier string) (*protocol.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+IssueColumns+` FROM issues WHERE identifier = ?`, identifier)
	iss, err := ScanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "issue", ID: identifier}
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", identifier, err)
	}
	return iss, nil
}

// SetPlanApproved records whether the issue's remediation plan is approved.
func (s *Issues) SetPlanApproved(ctx context.Context, id int64, approved bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET plan_approved = ?, updated_at = ? WHERE id = ?`,
		boolInt(approved), protocol.FormatTime(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("set plan approved %d: %w", id, err)
	}
	return requireRow(res, "issue", id)
}

// CountRunning returns the number of issues whose spawn is running.
func (s *Issues) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM issues WHERE spawn_status = ?`, string(protocol.SpawnRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running spawns: %w", err)
	}
	return n, nil
}

// CreateStatus inserts a workflow status and returns its ID.
func (s *Issues) CreateStatus(ctx context.Context, name string, isClosed bool) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO issue_statuses (name, is_closed) VALUES (?, ?)`, name, boolInt(isClosed))
	if err != nil {
		return 0, fmt.Errorf("create status %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create status last insert id: %w", err)
	}
	return id, nil
}

// GetStatus returns the status with the given ID.
func (s *Issues) GetStatus(ctx context.Context, id int64) (*protocol.IssueStatus, error) {
	var (
		st     protocol.IssueStatus
		closed int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, is_closed FROM issue_statuses WHERE id = ?`, id).Scan(&st.ID, &st.Name, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Entity: "status", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("get status %d: %w", id, err)
	}
	st.IsClosed = closed != 0
	return &st, nil
}

// SetStatus moves the issue into statusID. Close-gating is the caller's job.
func (s *Issues) SetStatus(ctx context.Context, issueID, statusID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET status_id = ?, updated_at = ? WHERE id = ?`,
		statusID, protocol.FormatTime(s.nowFunc()), issueID)
	if err != nil {
		return fmt.Errorf("set status of issue %d: %w", issueID, err)
	}
	return requireRow(res, "issue", issueID)
}

// LinkError records that the issue tracks an error in an external tracker.
// Linking the same error twice is a no-op.
func (s *Issues) LinkError(ctx context.Context, issueID int64, source, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_links (issue_id, source, external_id) VALUES (?, ?, ?)
		 ON CONFLICT (issue_id, source, external_id) DO NOTHING`,
		issueID, source, externalID)
	if err != nil {
		return fmt.Errorf("link error %s/%s to issue %d: %w", source, externalID, issueID, err)
	}
	return nil
}

// HasLinkedError reports whether the issue has any linked error from source.
func (s *Issues) HasLinkedError(ctx context.Context, issueID int64, source string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM error_links WHERE issue_id = ? AND source = ?`, issueID, source).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query error links for issue %d: %w", issueID, err)
	}
	return n > 0, nil
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &protocol.NotFoundError{Entity: entity, ID: strconv.FormatInt(id, 10)}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
