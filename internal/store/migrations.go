package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "rule_state: learned multipliers and generated rule definitions",
		SQL: `
CREATE TABLE rule_state (
    rule           TEXT PRIMARY KEY,
    multiplier     REAL NOT NULL DEFAULT 1.0 CHECK (multiplier >= 0.1 AND multiplier <= 1.2),

    -- Generated rules are persisted whole so they survive restarts
    generated      INTEGER NOT NULL DEFAULT 0,
    definition     TEXT,

    updated_at     INTEGER NOT NULL
);

CREATE TABLE rule_exclusions (
    rule           TEXT NOT NULL,
    path           TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    PRIMARY KEY (rule, path)
);
`,
	},
	{
		Version:     2,
		Description: "applied_links: last block written per rule and document",
		SQL: `
CREATE TABLE applied_links (
    rule           TEXT NOT NULL,
    path           TEXT NOT NULL,
    digest         TEXT NOT NULL,
    links          INTEGER NOT NULL DEFAULT 0,
    applied_at     INTEGER NOT NULL,
    PRIMARY KEY (rule, path)
);

CREATE INDEX idx_links_path ON applied_links(path);
`,
	},
	{
		Version:     3,
		Description: "task_executions: scheduler history",
		SQL: `
CREATE TABLE task_executions (
    id             TEXT PRIMARY KEY,
    task_id        TEXT NOT NULL,
    status         TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
    attempt        INTEGER NOT NULL DEFAULT 0,
    ad_hoc         INTEGER NOT NULL DEFAULT 0,
    error          TEXT,
    created_at     INTEGER NOT NULL,
    not_before     INTEGER,
    started_at     INTEGER,
    ended_at       INTEGER
);

CREATE INDEX idx_exec_task    ON task_executions(task_id, created_at DESC);
CREATE INDEX idx_exec_created ON task_executions(created_at DESC);
`,
	},
	{
		Version:     4,
		Description: "cycle_reports: one summary per correlation and linking cycle",
		SQL: `
CREATE TABLE cycle_reports (
    id             INTEGER PRIMARY KEY,
    started_at     INTEGER NOT NULL,
    duration_ms    INTEGER NOT NULL,
    dry_run        INTEGER NOT NULL DEFAULT 0,
    links_created  INTEGER NOT NULL DEFAULT 0,
    files_modified INTEGER NOT NULL DEFAULT 0,
    error_count    INTEGER NOT NULL DEFAULT 0,
    report         TEXT NOT NULL
);

CREATE INDEX idx_reports_started ON cycle_reports(started_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
