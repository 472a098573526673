package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fixloop/pkg/protocol"
)

// ActivityRecord is one row of the audit trail.
type ActivityRecord struct {
	ID        int64          `json:"id"`
	IssueID   int64          `json:"issue_id"`
	Type      string         `json:"type"`
	Actor     protocol.Actor `json:"actor"`
	Payload   string         `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Activity appends to and reads the activity audit table.
type Activity struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewActivity creates an Activity log backed by db.
func NewActivity(db *sql.DB) *Activity {
	return &Activity{db: db, nowFunc: time.Now}
}

// Append writes rec. A zero CreatedAt is stamped with the current time.
func (a *Activity) Append(ctx context.Context, rec ActivityRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.nowFunc()
	}
	var issueID any
	if rec.IssueID != 0 {
		issueID = rec.IssueID
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO activity (issue_id, type, actor, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		issueID, rec.Type, string(rec.Actor), rec.Payload, protocol.FormatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append activity %s: %w", rec.Type, err)
	}
	return nil
}

// List returns the most recent activity for an issue, newest first.
// limit <= 0 means 50.
func (a *Activity) List(ctx context.Context, issueID int64, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, COALESCE(issue_id, 0), type, actor, COALESCE(payload, ''), created_at
		 FROM activity WHERE issue_id = ? ORDER BY id DESC LIMIT ?`, issueID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActivityRecord
	for rows.Next() {
		var (
			rec     ActivityRecord
			actor   string
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.IssueID, &rec.Type, &actor, &rec.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		rec.Actor = protocol.Actor(actor)
		ts, err := protocol.ParseTime(created)
		if err != nil {
			return nil, err
		}
		if ts != nil {
			rec.CreatedAt = *ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}
