package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/vaultweave/internal/corpus"
	"github.com/lazypower/vaultweave/internal/notify"
	"github.com/lazypower/vaultweave/internal/scheduler"
)

// Built-in task kinds, selected by the "kind" parameter.
const (
	KindIndex     = "index"
	KindCorrelate = "correlate"
	KindLink      = "link"
	KindPrune     = "prune"
)

// RunTask is the scheduler body for the built-in task kinds.
func (e *Engine) RunTask(ctx context.Context, def scheduler.TaskDefinition) error {
	switch def.Kind() {
	case KindIndex:
		_, err := e.Index(ctx)
		return err
	case KindCorrelate:
		_, err := e.Correlate(ctx)
		return err
	case KindLink:
		dryRun, _ := strconv.ParseBool(def.Param("dry_run"))
		report, err := e.RunCycle(ctx, CycleOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		if len(report.Errors) > 0 && report.FilesModified == 0 && report.LinksCreated == 0 {
			return fmt.Errorf("cycle failed for every document: %s", report.Errors[0])
		}
		return nil
	case KindPrune:
		_, err := e.Prune(ctx)
		return err
	case "":
		return fmt.Errorf("task %s has no kind parameter", def.ID)
	default:
		return fmt.Errorf("task %s: unknown kind %q", def.ID, def.Kind())
	}
}

// Index rebuilds the corpus snapshot.
func (e *Engine) Index(ctx context.Context) (*corpus.Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	_, report, err := e.index(ctx)
	return report, err
}

// Correlate recomputes correlations and patterns over the current snapshot,
// indexing first if nothing has been indexed yet.
func (e *Engine) Correlate(ctx context.Context) (*Analysis, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	snap := e.indexer.Current()
	if snap.Len() == 0 {
		var err error
		if snap, _, err = e.index(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.analyze(snap), nil
}

// PruneResult counts what Prune removed.
type PruneResult struct {
	Reports int64 `json:"reports"`
	Links   int64 `json:"links"`
}

// Prune drops cycle reports older than the retention period and forgets
// applied links of documents that no longer exist.
func (e *Engine) Prune(ctx context.Context) (*PruneResult, error) {
	res := &PruneResult{}
	if e.db == nil {
		return res, nil
	}

	n, err := e.db.PruneCycleReports(time.Now().Add(-e.retention))
	if err != nil {
		return nil, err
	}
	res.Reports = n

	paths, err := e.db.AppliedLinkPaths()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		n, err := e.db.DeleteLinksForDocument(p)
		if err != nil {
			return res, err
		}
		res.Links += n
	}
	if res.Reports > 0 || res.Links > 0 {
		e.logger.Printf("engine: pruned %d reports and %d link records", res.Reports, res.Links)
	}
	return res, nil
}

// ExecutionChanged implements scheduler.Observer. Terminal failures are
// published on the event bus.
func (e *Engine) ExecutionChanged(exec scheduler.TaskExecution) {
	if exec.Status != scheduler.StatusFailed {
		return
	}
	e.bus.Publish(notify.Event{
		Type:    notify.EventTaskFailed,
		Task:    exec.TaskID,
		Message: fmt.Sprintf("attempt %d failed: %s", exec.Attempt, exec.Error),
		Data:    exec,
	})
}
