// Package linker writes rule-generated cross-references into documents.
//
// Each document gets one "Related Links" section holding one marked block
// per rule. Blocks carry a digest of their body so an unchanged block is
// never rewritten.
package linker

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lazypower/vaultweave/internal/rules"
	"golang.org/x/sync/errgroup"
)

// DefaultHeading is the section title used when none is configured.
const DefaultHeading = "Related Links"

// Status is the outcome of applying one rule's block to one document.
type Status string

const (
	StatusCreated   Status = "created"
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	// StatusRemoved means a block we wrote earlier was deleted by the user.
	// It is not re-added.
	StatusRemoved Status = "removed"
	StatusFailed  Status = "failed"
)

// Accepted reports whether the links of the block are present in the
// document after the pass.
func (s Status) Accepted() bool {
	return s == StatusCreated || s == StatusUpdated || s == StatusUnchanged
}

// Ledger remembers the digest last written per (rule, document).
type Ledger interface {
	LinkDigest(rule, path string) (string, error)
	RecordLinks(rule, path, digest string, links int) error
}

// Outcome describes one (document, rule) block.
type Outcome struct {
	Path   string `json:"path"`
	Rule   string `json:"rule"`
	Status Status `json:"status"`
	Links  int    `json:"links"`
	Digest string `json:"digest"`
}

// DocError is a failure confined to one document.
type DocError struct {
	Path string
	Err  error
}

func (e *DocError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *DocError) Unwrap() error { return e.Err }

// Result summarizes an Apply pass.
type Result struct {
	Outcomes      []Outcome
	FilesModified int
	LinksCreated  int
	Errors        []error
}

// Accepted counts, per rule, the links present in documents after the pass.
func (r *Result) Accepted() map[string]int {
	out := make(map[string]int)
	for _, o := range r.Outcomes {
		if o.Status.Accepted() {
			out[o.Rule] += o.Links
		}
	}
	return out
}

// Removed returns the outcomes where the user deleted a block we wrote.
func (r *Result) Removed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusRemoved {
			out = append(out, o)
		}
	}
	return out
}

// Options configure an Applier.
type Options struct {
	Heading string
	DryRun  bool
	Workers int
	Ledger  Ledger
	Logger  *log.Logger
}

// Applier writes link blocks. Safe for concurrent use; writes to the same
// document are serialized.
type Applier struct {
	heading string
	dryRun  bool
	workers int
	ledger  Ledger
	logger  *log.Logger

	locks sync.Map // path -> *sync.Mutex
}

// New returns an Applier.
func New(opts Options) *Applier {
	if opts.Heading == "" {
		opts.Heading = DefaultHeading
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Applier{
		heading: opts.Heading,
		dryRun:  opts.DryRun,
		workers: opts.Workers,
		ledger:  opts.Ledger,
		logger:  opts.Logger,
	}
}

func (a *Applier) lock(path string) func() {
	v, _ := a.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Apply writes the matches into their source documents. Matches are
// expected to be scored and filtered already. Per-document failures are
// collected in the result and never stop the batch.
func (a *Applier) Apply(ctx context.Context, matches []rules.LinkMatch) *Result {
	byDoc := make(map[string]map[string][]rules.LinkMatch)
	for _, m := range matches {
		path := m.Source.Path
		if byDoc[path] == nil {
			byDoc[path] = make(map[string][]rules.LinkMatch)
		}
		byDoc[path][m.Rule] = append(byDoc[path][m.Rule], m)
	}

	paths := make([]string, 0, len(byDoc))
	for p := range byDoc {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var (
		mu     sync.Mutex
		result = &Result{}
	)
	g := new(errgroup.Group)
	g.SetLimit(a.workers)
	for _, path := range paths {
		g.Go(func() error {
			var (
				outcomes []Outcome
				modified bool
				err      error
			)
			if err = ctx.Err(); err == nil {
				outcomes, modified, err = a.applyDocument(path, byDoc[path])
			}

			mu.Lock()
			defer mu.Unlock()
			result.Outcomes = append(result.Outcomes, outcomes...)
			if err != nil {
				result.Errors = append(result.Errors, &DocError{Path: path, Err: err})
				return nil
			}
			if modified {
				result.FilesModified++
			}
			for _, o := range outcomes {
				if o.Status == StatusCreated || o.Status == StatusUpdated {
					result.LinksCreated += o.Links
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Outcomes, func(i, j int) bool {
		if result.Outcomes[i].Path != result.Outcomes[j].Path {
			return result.Outcomes[i].Path < result.Outcomes[j].Path
		}
		return result.Outcomes[i].Rule < result.Outcomes[j].Rule
	})
	return result
}

func (a *Applier) applyDocument(path string, byRule map[string][]rules.LinkMatch) ([]Outcome, bool, error) {
	unlock := a.lock(path)
	defer unlock()

	info, err := os.Stat(path)
	if err != nil {
		return nil, false, fmt.Errorf("stat document: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read document: %w", err)
	}
	doc := parseDocument(string(data), a.heading)

	ruleNames := make([]string, 0, len(byRule))
	for r := range byRule {
		ruleNames = append(ruleNames, r)
	}
	sort.Strings(ruleNames)

	var (
		outcomes []Outcome
		changed  []Outcome
	)
	for _, rule := range ruleNames {
		matches := byRule[rule]
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].Strength != matches[j].Strength {
				return matches[i].Strength > matches[j].Strength
			}
			return matches[i].Target.Path < matches[j].Target.Path
		})
		b := newBlock(rule, matches)
		o := Outcome{Path: path, Rule: rule, Links: len(matches), Digest: b.digest}

		if begin, end, digest, ok := doc.find(rule); ok {
			if digest == b.digest {
				o.Status = StatusUnchanged
			} else {
				doc.replace(begin, end, b)
				o.Status = StatusUpdated
			}
		} else {
			removed, err := a.previouslyWritten(rule, path)
			if err != nil {
				a.logger.Printf("linker: ledger lookup %s/%s: %v", rule, path, err)
			}
			if removed {
				o.Status = StatusRemoved
				o.Links = 0
				a.logger.Printf("linker: links for rule %s were removed from %s; not re-adding", rule, path)
			} else {
				doc.insert(b)
				o.Status = StatusCreated
			}
		}
		outcomes = append(outcomes, o)
		if o.Status == StatusCreated || o.Status == StatusUpdated {
			changed = append(changed, o)
		}
	}

	if len(changed) == 0 || a.dryRun {
		return outcomes, len(changed) > 0, nil
	}

	if err := writeAtomic(path, []byte(doc.String()), info.Mode().Perm()); err != nil {
		for i := range outcomes {
			if outcomes[i].Status == StatusCreated || outcomes[i].Status == StatusUpdated {
				outcomes[i].Status = StatusFailed
			}
		}
		return outcomes, false, err
	}

	if a.ledger != nil {
		for _, o := range changed {
			if err := a.ledger.RecordLinks(o.Rule, o.Path, o.Digest, o.Links); err != nil {
				a.logger.Printf("linker: record links %s/%s: %v", o.Rule, o.Path, err)
			}
		}
	}
	return outcomes, true, nil
}

// previouslyWritten reports whether the ledger remembers writing a block
// for rule into path.
func (a *Applier) previouslyWritten(rule, path string) (bool, error) {
	if a.ledger == nil {
		return false, nil
	}
	digest, err := a.ledger.LinkDigest(rule, path)
	if err != nil {
		return false, err
	}
	return digest != "", nil
}

// writeAtomic replaces path via a temp file in the same directory.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
