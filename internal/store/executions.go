package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Execution is a persisted task execution. Times are unix milliseconds;
// nil when unset.
type Execution struct {
	ID        string
	TaskID    string
	Status    string
	Attempt   int
	AdHoc     bool
	Error     string
	CreatedAt int64
	NotBefore *int64
	StartedAt *int64
	EndedAt   *int64
}

// UpsertExecution inserts or updates an execution by id.
func (db *DB) UpsertExecution(e *Execution) error {
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO task_executions (id, task_id, status, attempt, ad_hoc, error, created_at, not_before, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			not_before = excluded.not_before,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, e.ID, e.TaskID, e.Status, e.Attempt, e.AdHoc, errText, e.CreatedAt, e.NotBefore, e.StartedAt, e.EndedAt)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

// GetExecution returns an execution by id, or nil if not found.
func (db *DB) GetExecution(id string) (*Execution, error) {
	rows, err := db.Query(selectExecutions+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	defer rows.Close()

	execs, err := scanExecutions(rows)
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, nil
	}
	return &execs[0], nil
}

// RecentExecutions returns executions of taskID (all tasks when empty)
// created at or after since, newest first.
func (db *DB) RecentExecutions(taskID string, since time.Time, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if taskID == "" {
		rows, err = db.Query(selectExecutions+` WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
			since.UnixMilli(), limit)
	} else {
		rows, err = db.Query(selectExecutions+` WHERE task_id = ? AND created_at >= ? ORDER BY created_at DESC LIMIT ?`,
			taskID, since.UnixMilli(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("get recent executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// LatestExecutions returns the newest execution of every task.
func (db *DB) LatestExecutions() ([]Execution, error) {
	rows, err := db.Query(selectExecutions + ` t WHERE ` + latestOfTask + ` ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("get latest executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// PruneExecutions deletes finished executions created before cutoff. The
// newest execution of each task is kept regardless of age.
func (db *DB) PruneExecutions(before time.Time) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM task_executions
		WHERE created_at < ? AND status IN ('completed', 'failed', 'cancelled')
		AND id NOT IN (SELECT id FROM task_executions t WHERE `+latestOfTask+`)
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// latestOfTask matches the newest rows of a task aliased as t.
const latestOfTask = `t.created_at = (SELECT MAX(created_at) FROM task_executions WHERE task_id = t.task_id)`

const selectExecutions = `
	SELECT id, task_id, status, attempt, ad_hoc, error, created_at, not_before, started_at, ended_at
	FROM task_executions`

func scanExecutions(rows *sql.Rows) ([]Execution, error) {
	var out []Execution
	for rows.Next() {
		var (
			e       Execution
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Status, &e.Attempt, &e.AdHoc, &errText,
			&e.CreatedAt, &e.NotBefore, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}
