package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lazypower/vaultweave/internal/corpus"
	"github.com/lazypower/vaultweave/internal/discovery"
	"github.com/lazypower/vaultweave/internal/linker"
	"github.com/lazypower/vaultweave/internal/notify"
	"github.com/lazypower/vaultweave/internal/rules"
	"github.com/lazypower/vaultweave/internal/scheduler"
	"github.com/lazypower/vaultweave/internal/store"
)

const goRules = `
rules:
  - name: go-notes
    trigger: {tags: [golang]}
    target: {tags: [golang]}
    strength: 1.0
`

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// goVault writes two related golang notes and one unrelated note.
func goVault(t *testing.T) (root, a, b, c string) {
	t.Helper()
	root = t.TempDir()
	a = writeFile(t, root, "notes/a.md", "# Alpha\n\n#golang #concurrency\nchannels goroutines select\n")
	b = writeFile(t, root, "notes/b.md", "# Beta\n\n#golang #concurrency\nchannels goroutines mutex\n")
	c = writeFile(t, root, "misc/c.md", "# Gamma\n\n#cooking\nrecipe pasta\n")
	return root, a, b, c
}

type testOpts struct {
	synthesize bool
	// filter runs on document content before the managed-block filter.
	filter func(string) string
	bus    *notify.Bus
}

func newTestEngine(t *testing.T, root, rulesYAML string, db *store.DB, o testOpts) *Engine {
	t.Helper()
	f, err := rules.Parse([]byte(rulesYAML))
	if err != nil {
		t.Fatalf("Parse rules: %v", err)
	}
	reg, errs := f.BuildRegistry()
	if len(errs) > 0 {
		t.Fatalf("BuildRegistry: %v", errs)
	}
	logger := log.New(io.Discard, "", 0)
	filter := linker.ContentFilter(f.Settings.SectionHeading)
	if o.filter != nil {
		managed := filter
		filter = func(content string) string { return managed(o.filter(content)) }
	}
	ix, err := corpus.NewIndexer(corpus.Policy{Filter: filter}, logger)
	if err != nil {
		t.Fatalf("NewIndexer: %v", err)
	}
	eng, err := New(Options{
		Roots:           discovery.Static{root},
		Indexer:         ix,
		Registry:        reg,
		Settings:        f.Settings,
		DB:              db,
		Logger:          logger,
		SynthesizeRules: o.synthesize,
		Bus:             o.bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.LoadState(); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	return eng
}

func TestRunCycleLinksAndIsIdempotent(t *testing.T) {
	root, a, b, c := goVault(t)
	db := testDB(t)
	eng := newTestEngine(t, root, goRules, db, testOpts{})
	ctx := context.Background()

	r1, err := eng.RunCycle(ctx, CycleOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if r1.DocumentsIndexed != 3 {
		t.Errorf("DocumentsIndexed = %d, want 3", r1.DocumentsIndexed)
	}
	if r1.MatchesFound != 2 || r1.LinksCreated != 2 || r1.FilesModified != 2 {
		t.Errorf("first cycle = %d matches, %d links, %d files; want 2, 2, 2",
			r1.MatchesFound, r1.LinksCreated, r1.FilesModified)
	}
	if len(r1.Errors) != 0 {
		t.Errorf("Errors = %v", r1.Errors)
	}
	if !strings.Contains(readFile(t, a), "- [[b]]") || !strings.Contains(readFile(t, b), "- [[a]]") {
		t.Error("expected reciprocal links in a.md and b.md")
	}
	if strings.Contains(readFile(t, c), "Related Links") {
		t.Error("unrelated document was modified")
	}

	aAfter, bAfter := readFile(t, a), readFile(t, b)
	r2, err := eng.RunCycle(ctx, CycleOptions{})
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if r2.LinksCreated != 0 || r2.FilesModified != 0 {
		t.Errorf("second cycle created %d links in %d files, want none", r2.LinksCreated, r2.FilesModified)
	}
	if readFile(t, a) != aAfter || readFile(t, b) != bAfter {
		t.Error("second cycle rewrote documents")
	}

	reports, err := db.RecentCycleReports(10)
	if err != nil {
		t.Fatalf("RecentCycleReports: %v", err)
	}
	if len(reports) != 2 {
		t.Errorf("got %d persisted reports, want 2", len(reports))
	}

	// Every link stuck twice: 1.0 * 1.05 * 1.05.
	state, err := db.GetRuleState("go-notes")
	if err != nil || state == nil {
		t.Fatalf("GetRuleState = %v, %v", state, err)
	}
	if math.Abs(state.Multiplier-1.1025) > 1e-9 {
		t.Errorf("Multiplier = %v, want 1.1025", state.Multiplier)
	}
}

func TestRunCycleStableUnderLearnedStrength(t *testing.T) {
	root, a, b, _ := goVault(t)
	db := testDB(t)
	eng := newTestEngine(t, root, `
rules:
  - name: go-notes
    trigger: {tags: [golang]}
    target: {tags: [golang]}
    strength: 0.8
`, db, testOpts{})
	ctx := context.Background()

	r1, err := eng.RunCycle(ctx, CycleOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if r1.FilesModified != 2 {
		t.Fatalf("first cycle modified %d files, want 2", r1.FilesModified)
	}
	aAfter, bAfter := readFile(t, a), readFile(t, b)

	// Each accepted cycle raises the multiplier, so every cycle computes a
	// different strength for the same links.
	for i := 2; i <= 3; i++ {
		r, err := eng.RunCycle(ctx, CycleOptions{})
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if r.FilesModified != 0 || r.LinksCreated != 0 {
			t.Errorf("cycle %d created %d links in %d files, want none", i, r.LinksCreated, r.FilesModified)
		}
		if readFile(t, a) != aAfter || readFile(t, b) != bAfter {
			t.Errorf("cycle %d rewrote documents", i)
		}
	}

	state, err := db.GetRuleState("go-notes")
	if err != nil || state == nil {
		t.Fatalf("GetRuleState = %v, %v", state, err)
	}
	if math.Abs(state.Multiplier-1.157625) > 1e-9 {
		t.Errorf("Multiplier = %v, want 1.157625", state.Multiplier)
	}
}

func TestRunCycleCancelledLearnsNothing(t *testing.T) {
	root, a, b, _ := goVault(t)
	aBefore, bBefore := readFile(t, a), readFile(t, b)
	db := testDB(t)

	var (
		mu     sync.Mutex
		events []string
	)
	bus := notify.NewBus(8, log.New(io.Discard, "", 0), notify.SinkFunc(func(_ context.Context, ev notify.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newTestEngine(t, root, goRules, db, testOpts{
		bus: bus,
		filter: func(content string) string {
			if strings.Contains(content, "recipe") {
				cancel()
			}
			return content
		},
	})

	r, err := eng.RunCycle(ctx, CycleOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle = %+v, %v; want context.Canceled", r, err)
	}
	if r != nil {
		t.Errorf("cancelled cycle returned a report: %+v", r)
	}
	if s, _ := db.GetRuleState("go-notes"); s != nil {
		t.Errorf("cancelled cycle adjusted rule state: %+v", s)
	}
	if reports, _ := db.RecentCycleReports(10); len(reports) != 0 {
		t.Errorf("cancelled cycle saved %d reports", len(reports))
	}
	if readFile(t, a) != aBefore || readFile(t, b) != bBefore {
		t.Error("cancelled cycle wrote documents")
	}

	bus.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != notify.EventCycleFailed {
		t.Errorf("events = %v, want [%s]", events, notify.EventCycleFailed)
	}
}

func TestRunCycleUserRemovalBecomesExclusion(t *testing.T) {
	root, a, b, _ := goVault(t)
	original := readFile(t, a)
	db := testDB(t)
	eng := newTestEngine(t, root, goRules, db, testOpts{})
	ctx := context.Background()

	if _, err := eng.RunCycle(ctx, CycleOptions{}); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := os.WriteFile(a, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}

	r2, err := eng.RunCycle(ctx, CycleOptions{})
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if len(r2.Exclusions) != 1 || r2.Exclusions[0].Path != a {
		t.Fatalf("Exclusions = %+v, want one for %s", r2.Exclusions, a)
	}
	if readFile(t, a) != original {
		t.Error("removed block was re-added")
	}

	excl, err := db.RuleExclusions("go-notes")
	if err != nil {
		t.Fatalf("RuleExclusions: %v", err)
	}
	if len(excl) != 1 || excl[0] != a {
		t.Errorf("RuleExclusions = %v, want [%s]", excl, a)
	}

	r3, err := eng.RunCycle(ctx, CycleOptions{})
	if err != nil {
		t.Fatalf("third RunCycle: %v", err)
	}
	if r3.MatchesFound != 1 {
		t.Errorf("MatchesFound = %d, want 1 (b -> a only)", r3.MatchesFound)
	}
	if !strings.Contains(readFile(t, b), "- [[a]]") {
		t.Error("b.md lost its link")
	}
}

func TestRunCycleDryRun(t *testing.T) {
	root, a, _, _ := goVault(t)
	before := readFile(t, a)
	db := testDB(t)
	eng := newTestEngine(t, root, goRules, db, testOpts{})

	r, err := eng.RunCycle(context.Background(), CycleOptions{DryRun: true})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !r.DryRun || r.LinksCreated != 2 {
		t.Errorf("dry run report = %+v", r)
	}
	if readFile(t, a) != before {
		t.Error("dry run wrote a document")
	}
	if n, _ := db.CountAppliedLinks(); n != 0 {
		t.Errorf("dry run recorded %d links", n)
	}
	if s, _ := db.GetRuleState("go-notes"); s != nil {
		t.Errorf("dry run persisted rule state: %+v", s)
	}
}

func TestRunCycleSynthesizesAndRestoresRules(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"one", "two", "three"} {
		writeFile(t, root, "projects/"+name+".md", "# "+name+"\n\n#project planning milestones\n")
	}
	db := testDB(t)
	eng := newTestEngine(t, root, "rules: []\n", db, testOpts{synthesize: true})

	r, err := eng.RunCycle(context.Background(), CycleOptions{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	found := false
	for _, name := range r.GeneratedRules {
		if name == "auto-tag-project" {
			found = true
		}
	}
	if !found {
		t.Fatalf("GeneratedRules = %v, want auto-tag-project", r.GeneratedRules)
	}
	if !eng.Registry().Has("auto-tag-project") {
		t.Error("generated rule not registered")
	}
	if r.LinksCreated == 0 {
		t.Error("generated rules produced no links")
	}

	state, err := db.GetRuleState("auto-tag-project")
	if err != nil || state == nil || !state.Generated {
		t.Fatalf("generated rule not persisted: %+v, %v", state, err)
	}

	restarted := newTestEngine(t, root, "rules: []\n", db, testOpts{})
	rule := restarted.Registry().Get("auto-tag-project")
	if rule == nil {
		t.Fatal("generated rule not restored after restart")
	}
	if !rule.Generated || !rule.Compiled() {
		t.Errorf("restored rule = %+v", rule)
	}
}

func TestIndexAndCorrelate(t *testing.T) {
	root := t.TempDir()
	for i, body := range []string{
		"#golang #testing table tests",
		"#golang #testing fuzzing",
		"#golang #testing benchmarks",
		"#cooking bread",
	} {
		writeFile(t, root, filepath.Join("n", string(rune('a'+i))+".md"), body+"\n")
	}
	eng := newTestEngine(t, root, "rules: []\n", nil, testOpts{})
	ctx := context.Background()

	if eng.Analysis() != nil {
		t.Fatal("Analysis before first pass should be nil")
	}
	a, err := eng.Correlate(ctx)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if a.Documents != 4 {
		t.Errorf("Documents = %d, want 4", a.Documents)
	}
	if len(a.Correlations) != 1 || a.Correlations[0].TagA != "golang" || a.Correlations[0].TagB != "testing" {
		t.Errorf("Correlations = %+v, want golang/testing", a.Correlations)
	}
	if eng.Analysis() != a {
		t.Error("Analysis should return the latest pass")
	}

	writeFile(t, root, "n/e.md", "#golang more\n")
	rep, err := eng.Index(ctx)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if rep.Indexed != 5 || eng.Snapshot().Len() != 5 {
		t.Errorf("Indexed = %d, snapshot = %d; want 5", rep.Indexed, eng.Snapshot().Len())
	}
}

func TestRecorderRecentKeepsLatestPerTask(t *testing.T) {
	db := testDB(t)
	rec := Recorder{DB: db}
	now := time.Now()

	for _, e := range []scheduler.TaskExecution{
		{ID: "w1", TaskID: "weekly", Status: scheduler.StatusCompleted, CreatedAt: now.Add(-200 * time.Hour)},
		{ID: "w2", TaskID: "weekly", Status: scheduler.StatusCompleted, CreatedAt: now.Add(-100 * time.Hour)},
		{ID: "h1", TaskID: "hourly", Status: scheduler.StatusCompleted, CreatedAt: now.Add(-time.Hour)},
	} {
		if err := rec.RecordExecution(e); err != nil {
			t.Fatalf("RecordExecution %s: %v", e.ID, err)
		}
	}
	if _, err := rec.PruneExecutions(now.Add(-24 * time.Hour)); err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}

	got, err := rec.Recent(24 * time.Hour)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	ids := make(map[string]bool)
	for _, e := range got {
		ids[e.ID] = true
	}
	if len(got) != 2 || !ids["w2"] || !ids["h1"] {
		t.Errorf("Recent = %+v, want h1 and w2 once each", got)
	}
}
