package engine

import (
	"time"

	"github.com/lazypower/vaultweave/internal/scheduler"
	"github.com/lazypower/vaultweave/internal/store"
)

// Recorder persists scheduler executions in the store.
type Recorder struct {
	DB *store.DB
}

// RecordExecution implements scheduler.Recorder.
func (r Recorder) RecordExecution(exec scheduler.TaskExecution) error {
	row := ToStoreExecution(exec)
	return r.DB.UpsertExecution(&row)
}

// PruneExecutions implements scheduler.Recorder.
func (r Recorder) PruneExecutions(before time.Time) (int64, error) {
	return r.DB.PruneExecutions(before)
}

// Recent loads executions created within window plus the latest execution
// of every task, for Scheduler.Restore.
func (r Recorder) Recent(window time.Duration) ([]scheduler.TaskExecution, error) {
	rows, err := r.DB.RecentExecutions("", time.Now().Add(-window), 0)
	if err != nil {
		return nil, err
	}
	latest, err := r.DB.LatestExecutions()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows)+len(latest))
	out := make([]scheduler.TaskExecution, 0, len(rows)+len(latest))
	for _, row := range append(rows, latest...) {
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		out = append(out, FromStoreExecution(row))
	}
	return out, nil
}

// ToStoreExecution converts an execution to its persisted form.
func ToStoreExecution(e scheduler.TaskExecution) store.Execution {
	return store.Execution{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Status:    string(e.Status),
		Attempt:   e.Attempt,
		AdHoc:     e.AdHoc,
		Error:     e.Error,
		CreatedAt: e.CreatedAt.UnixMilli(),
		NotBefore: millis(e.NotBefore),
		StartedAt: millis(e.StartedAt),
		EndedAt:   millis(e.EndedAt),
	}
}

// FromStoreExecution converts a persisted execution back.
func FromStoreExecution(e store.Execution) scheduler.TaskExecution {
	return scheduler.TaskExecution{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Status:    scheduler.Status(e.Status),
		Attempt:   e.Attempt,
		AdHoc:     e.AdHoc,
		Error:     e.Error,
		CreatedAt: time.UnixMilli(e.CreatedAt),
		NotBefore: fromMillis(e.NotBefore),
		StartedAt: fromMillis(e.StartedAt),
		EndedAt:   fromMillis(e.EndedAt),
	}
}

func millis(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ms)
}
