// Package store is the SQLite persistence layer for fixloop: connection
// setup, schema migration, the issue/status/error-link repository consumed by
// the orchestrator, and the append-only activity audit log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"fixloop/pkg/protocol"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at path and enforces production-safe
// defaults on every pooled connection: a 5-second busy timeout, WAL
// journal mode, foreign keys, and immediate write locks for transactions so
// concurrent writers queue on the busy handler instead of failing on lock
// upgrade. It pings before returning.
func Open(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// Migrate creates the schema. Every statement is IF NOT EXISTS, so running it
// against an existing database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// OpenAndMigrate is Open followed by Migrate.
func OpenAndMigrate(ctx context.Context, path string) (*sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
