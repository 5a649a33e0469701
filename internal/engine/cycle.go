package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/vaultweave/internal/corpus"
	"github.com/lazypower/vaultweave/internal/correlate"
	"github.com/lazypower/vaultweave/internal/linker"
	"github.com/lazypower/vaultweave/internal/notify"
	"github.com/lazypower/vaultweave/internal/optimizer"
	"github.com/lazypower/vaultweave/internal/rules"
	"github.com/lazypower/vaultweave/internal/store"
)

// Report summarizes one cycle.
type Report struct {
	StartedAt        time.Time                 `json:"started_at"`
	Duration         time.Duration             `json:"duration"`
	DryRun           bool                      `json:"dry_run,omitempty"`
	DocumentsIndexed int                       `json:"documents_indexed"`
	Skipped          []corpus.Skip             `json:"skipped,omitempty"`
	Correlations     int                       `json:"correlations"`
	Patterns         int                       `json:"patterns"`
	RulesApplied     int                       `json:"rules_applied"`
	RulesDisabled    int                       `json:"rules_disabled"`
	MatchesFound     int                       `json:"matches_found"`
	LinksCreated     int                       `json:"links_created"`
	FilesModified    int                       `json:"files_modified"`
	Errors           []string                  `json:"errors,omitempty"`
	GeneratedRules   []string                  `json:"generated_rules,omitempty"`
	Exclusions       []linker.Outcome          `json:"exclusions,omitempty"`
	Adjustments      []optimizer.Adjustment    `json:"adjustments,omitempty"`
	Stats            map[string]optimizer.Stat `json:"stats,omitempty"`
}

// CycleOptions tune a single cycle.
type CycleOptions struct {
	// DryRun computes everything but writes no documents and learns nothing.
	DryRun bool
}

// RunCycle indexes the corpus, recomputes correlations and patterns,
// matches rules, writes links, and feeds the outcome back to the
// optimizer. Cycles never overlap. Per-document failures are collected in
// the report; indexing failures and cancellation abort the cycle. An
// aborted cycle registers no rules, learns nothing and saves no report.
func (e *Engine) RunCycle(ctx context.Context, opts CycleOptions) (*Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	report := &Report{StartedAt: start, DryRun: opts.DryRun}

	snap, ixReport, err := e.index(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, e.failCycle(report, err)
	}
	report.DocumentsIndexed = ixReport.Indexed
	report.Skipped = ixReport.Skipped

	analysis := e.analyze(snap)
	report.Correlations = len(analysis.Correlations)
	report.Patterns = len(analysis.Patterns)

	ruleSet := e.reg.Snapshot()
	if e.synthesize {
		generated := optimizer.Synthesize(analysis.Patterns, e.reg, e.synthOpts)
		for _, r := range generated {
			report.GeneratedRules = append(report.GeneratedRules, r.Name)
			if opts.DryRun {
				ruleSet = append(ruleSet, r)
				continue
			}
			if err := e.registerGenerated(r); err != nil {
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			ruleSet = append(ruleSet, r)
		}
	}
	for _, r := range ruleSet {
		if r.Enabled && r.Compiled() {
			report.RulesApplied++
		} else {
			report.RulesDisabled++
		}
	}

	matches := rules.Match(snap, ruleSet)
	report.MatchesFound = len(matches)
	kept := e.calc.Apply(matches)

	applier := e.applier
	if opts.DryRun {
		applier = e.preview
	}
	result := applier.Apply(ctx, kept)
	report.LinksCreated = result.LinksCreated
	report.FilesModified = result.FilesModified
	for _, err := range result.Errors {
		report.Errors = append(report.Errors, err.Error())
	}

	// Documents skipped after cancellation would read as rejected links.
	if err := ctx.Err(); err != nil {
		return nil, e.failCycle(report, err)
	}

	report.Stats = optimizer.Stats(kept, result.Accepted())
	report.Exclusions = result.Removed()
	if !opts.DryRun {
		for _, o := range report.Exclusions {
			e.opt.Exclude(o.Rule, o.Path)
		}
		report.Adjustments = e.opt.Observe(report.Stats)
	}

	report.Duration = time.Since(start)
	e.finishCycle(report)
	return report, nil
}

// index discovers the roots and rebuilds the snapshot.
func (e *Engine) index(ctx context.Context) (*corpus.Snapshot, *corpus.Report, error) {
	roots, err := e.roots.Roots(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("discover roots: %w", err)
	}
	snap, report, err := e.indexer.Rebuild(ctx, roots)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range report.Skipped {
		e.logger.Printf("indexer: skipped %s: %s", s.Path, s.Reason)
	}
	if e.metrics != nil {
		e.metrics.SetDocuments(snap.Len())
	}
	return snap, report, nil
}

// analyze correlates snap and publishes the result as the latest analysis.
func (e *Engine) analyze(snap *corpus.Snapshot) *Analysis {
	a := &Analysis{
		At:           time.Now(),
		Documents:    snap.Len(),
		Correlations: correlate.Analyze(snap, e.corrOpts),
		Patterns:     correlate.DiscoverPatterns(snap),
	}
	e.analysis.Store(a)
	e.logger.Printf("correlate: %d correlations and %d patterns over %d documents",
		len(a.Correlations), len(a.Patterns), a.Documents)
	return a
}

func (e *Engine) registerGenerated(r *rules.Rule) error {
	if err := e.reg.Add(r); err != nil {
		return fmt.Errorf("register generated rule: %w", err)
	}
	e.logger.Printf("engine: generated rule %s from %s", r.Name, r.Source)
	if e.db == nil {
		return nil
	}
	def, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode generated rule %s: %w", r.Name, err)
	}
	if err := e.db.SaveGeneratedRule(r.Name, string(def)); err != nil {
		return err
	}
	return nil
}

// failCycle logs and publishes an aborted cycle and returns the error to
// hand back to the caller.
func (e *Engine) failCycle(r *Report, err error) error {
	err = fmt.Errorf("cycle aborted: %w", err)
	r.Duration = time.Since(r.StartedAt)
	e.logger.Printf("engine: cycle failed after %s: %v (%d links written in %d files before stopping)",
		r.Duration.Round(time.Millisecond), err, r.LinksCreated, r.FilesModified)
	e.bus.Publish(notify.Event{
		Type:    notify.EventCycleFailed,
		Message: err.Error(),
		Data:    r,
	})
	return err
}

// finishCycle logs, persists, measures and publishes a finished report.
func (e *Engine) finishCycle(r *Report) {
	e.logger.Printf("engine: cycle done in %s: %d documents, %d matches, %d links created in %d files, %d errors",
		r.Duration.Round(time.Millisecond), r.DocumentsIndexed, r.MatchesFound, r.LinksCreated, r.FilesModified, len(r.Errors))

	if e.db != nil {
		data, err := json.Marshal(r)
		if err != nil {
			e.logger.Printf("engine: encode report: %v", err)
		} else if err := e.db.SaveCycleReport(&store.CycleReport{
			StartedAt:     r.StartedAt.UnixMilli(),
			DurationMS:    r.Duration.Milliseconds(),
			DryRun:        r.DryRun,
			LinksCreated:  r.LinksCreated,
			FilesModified: r.FilesModified,
			ErrorCount:    len(r.Errors),
			Report:        string(data),
		}); err != nil {
			e.logger.Printf("engine: save report: %v", err)
		}
	}
	if e.metrics != nil && !r.DryRun {
		e.metrics.ObserveCycle(r.Duration, r.DocumentsIndexed, r.LinksCreated, r.FilesModified)
	}
	e.bus.Publish(notify.Event{
		Type:    notify.EventCycleCompleted,
		Message: fmt.Sprintf("%d links created in %d files", r.LinksCreated, r.FilesModified),
		Data:    r,
	})
}
