package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all provsched tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'RUNNING',
		entry        TEXT NOT NULL DEFAULT '[]',
		elapsed_ns   INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS job_runs (
		run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		name              TEXT NOT NULL,
		position          INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'PENDING',
		attempts          INTEGER NOT NULL DEFAULT 0,
		elapsed_ns        INTEGER NOT NULL DEFAULT 0,
		error             TEXT NOT NULL DEFAULT '',
		failure_kind      TEXT NOT NULL DEFAULT '',
		cleanup           TEXT NOT NULL DEFAULT '',
		cleanup_error     TEXT NOT NULL DEFAULT '',
		instance_cleared  INTEGER NOT NULL DEFAULT 0,
		automation_phase  TEXT NOT NULL DEFAULT '',
		human_description TEXT NOT NULL DEFAULT '',
		started_at        TEXT,
		completed_at      TEXT,
		PRIMARY KEY (run_id, name)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_name ON runs(name)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	// Schedule file a run was loaded from.
	{"runs", "source", "ALTER TABLE runs ADD COLUMN source TEXT NOT NULL DEFAULT ''", ""},
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}

	exists := false
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			exists = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
