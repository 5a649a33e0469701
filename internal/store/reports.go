package store

import (
	"fmt"
	"time"
)

// CycleReport is a persisted cycle summary. Report holds the full summary
// as JSON.
type CycleReport struct {
	ID            int64
	StartedAt     int64
	DurationMS    int64
	DryRun        bool
	LinksCreated  int
	FilesModified int
	ErrorCount    int
	Report        string
}

// SaveCycleReport inserts a report and sets its ID.
func (db *DB) SaveCycleReport(r *CycleReport) error {
	result, err := db.Exec(`
		INSERT INTO cycle_reports (started_at, duration_ms, dry_run, links_created, files_modified, error_count, report)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.StartedAt, r.DurationMS, r.DryRun, r.LinksCreated, r.FilesModified, r.ErrorCount, r.Report)
	if err != nil {
		return fmt.Errorf("save cycle report: %w", err)
	}
	r.ID, _ = result.LastInsertId()
	return nil
}

// RecentCycleReports returns the most recent reports, newest first.
func (db *DB) RecentCycleReports(limit int) ([]CycleReport, error) {
	rows, err := db.Query(`
		SELECT id, started_at, duration_ms, dry_run, links_created, files_modified, error_count, report
		FROM cycle_reports ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent cycle reports: %w", err)
	}
	defer rows.Close()

	var out []CycleReport
	for rows.Next() {
		var r CycleReport
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.DurationMS, &r.DryRun, &r.LinksCreated,
			&r.FilesModified, &r.ErrorCount, &r.Report); err != nil {
			return nil, fmt.Errorf("scan cycle report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneCycleReports deletes reports of cycles started before cutoff.
func (db *DB) PruneCycleReports(before time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM cycle_reports WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune cycle reports: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
