package protocol

// SchemaDDL defines the SQLite schema for the fixloop runtime database.
// Tables: issue_statuses, issues, error_links, fix_attempts, spawn_budgets, activity.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Workflow statuses an issue can be in; is_closed marks terminal statuses
CREATE TABLE IF NOT EXISTS issue_statuses (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    is_closed INTEGER NOT NULL DEFAULT 0
);

-- Issues with their embedded spawn state
CREATE TABLE IF NOT EXISTS issues (
    id INTEGER PRIMARY KEY,
    identifier TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL DEFAULT '',
    status_id INTEGER REFERENCES issue_statuses(id),
    plan_approved INTEGER NOT NULL DEFAULT 0,
    spawn_status TEXT NOT NULL DEFAULT 'idle',
    spawn_workflow TEXT,
    spawn_run_id TEXT,
    spawn_started_at TEXT,
    spawn_completed_at TEXT,
    spawn_outcome TEXT,
    updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_issues_spawn_status ON issues(spawn_status);

-- Links from an issue to errors in an external tracker (e.g. sentry)
CREATE TABLE IF NOT EXISTS error_links (
    id INTEGER PRIMARY KEY,
    issue_id INTEGER NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    external_id TEXT NOT NULL,
    UNIQUE (issue_id, source, external_id)
);

-- One row per pull request linked to an issue
CREATE TABLE IF NOT EXISTS fix_attempts (
    id INTEGER PRIMARY KEY,
    issue_id INTEGER NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    pr_number INTEGER NOT NULL,
    pr_url TEXT NOT NULL DEFAULT '',
    pr_title TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT 'sentry',
    merged_at TEXT,
    merged_sha TEXT,
    deployed_at TEXT,
    deployed_sha TEXT,
    verification_status TEXT NOT NULL DEFAULT 'pending',
    verification_deadline TEXT,
    failure_reason TEXT,
    sentry_events_post_deploy INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    UNIQUE (issue_id, pr_number)
);

-- Daily spawn budget ledger; rows are never deleted
CREATE TABLE IF NOT EXISTS spawn_budgets (
    date TEXT PRIMARY KEY,
    spawn_count INTEGER NOT NULL DEFAULT 0,
    max_spawns INTEGER NOT NULL
);

-- Audit trail: every lifecycle transition with its actor
CREATE TABLE IF NOT EXISTS activity (
    id INTEGER PRIMARY KEY,
    issue_id INTEGER,
    type TEXT NOT NULL,
    actor TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activity_issue ON activity(issue_id, id);
`
