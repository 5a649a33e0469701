package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/lazypower/vaultweave/internal/glob"
	"golang.org/x/sync/errgroup"
)

// DefaultExtensions are the file extensions indexed when none are configured.
var DefaultExtensions = []string{".md", ".markdown", ".txt"}

// DefaultExclude are the exclusion globs applied when none are configured.
var DefaultExclude = []string{".git/**", ".obsidian/**", ".trash/**"}

// Policy controls which files are indexed.
type Policy struct {
	MaxFileSize int64 // bytes; 0 disables the limit
	Exclude     []string
	Extensions  []string
	Extractor   TagExtractor

	// Filter, when set, rewrites content before tags and tokens are
	// extracted. The digest always covers the raw file.
	Filter func(content string) string
}

// Skip records a document that was not indexed and why.
type Skip struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarizes an indexing pass.
type Report struct {
	Indexed  int           `json:"indexed"`
	Skipped  []Skip        `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Indexer owns the current snapshot of the corpus. Rebuild produces a new
// snapshot and swaps it in atomically.
type Indexer struct {
	policy  Policy
	exclude glob.Set
	exts    map[string]bool
	current atomic.Pointer[Snapshot]
	logger  *log.Logger
}

// NewIndexer validates the policy and returns an indexer with an empty snapshot.
func NewIndexer(policy Policy, logger *log.Logger) (*Indexer, error) {
	if logger == nil {
		logger = log.Default()
	}
	if policy.Extractor == nil {
		policy.Extractor = DefaultExtractor()
	}
	if len(policy.Extensions) == 0 {
		policy.Extensions = DefaultExtensions
	}
	if policy.Exclude == nil {
		policy.Exclude = DefaultExclude
	}

	exclude, err := glob.CompileSet(policy.Exclude)
	if err != nil {
		return nil, fmt.Errorf("compile exclusions: %w", err)
	}
	exts := make(map[string]bool, len(policy.Extensions))
	for _, e := range policy.Extensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[strings.ToLower(e)] = true
	}

	ix := &Indexer{policy: policy, exclude: exclude, exts: exts, logger: logger}
	ix.current.Store(NewSnapshot(nil, nil))
	return ix, nil
}

// Current returns the most recently built snapshot. Never nil.
func (ix *Indexer) Current() *Snapshot {
	return ix.current.Load()
}

// Rebuild indexes every root and swaps the result in. On error (context
// cancellation) the previous snapshot stays current.
func (ix *Indexer) Rebuild(ctx context.Context, roots []string) (*Snapshot, *Report, error) {
	snap, report, err := ix.Build(ctx, roots)
	if err != nil {
		return nil, report, err
	}
	ix.current.Store(snap)
	return snap, report, nil
}

// Build indexes every root without touching the current snapshot.
// Roots are walked concurrently. Unreadable or oversized files are skipped
// and recorded in the report.
func (ix *Indexer) Build(ctx context.Context, roots []string) (*Snapshot, *Report, error) {
	start := time.Now()

	absRoots := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			abs = filepath.Clean(r)
		}
		absRoots = append(absRoots, abs)
	}

	records := make([][]*DocumentRecord, len(absRoots))
	skips := make([][]Skip, len(absRoots))

	g, gctx := errgroup.WithContext(ctx)
	for i, root := range absRoots {
		g.Go(func() error {
			recs, sk, err := ix.walkRoot(gctx, root)
			records[i] = recs
			skips[i] = sk
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &Report{Duration: time.Since(start)}, fmt.Errorf("index corpus: %w", err)
	}

	var all []*DocumentRecord
	report := &Report{}
	for i := range absRoots {
		all = append(all, records[i]...)
		report.Skipped = append(report.Skipped, skips[i]...)
	}

	snap := NewSnapshot(all, absRoots)
	report.Indexed = snap.Len()
	report.Duration = time.Since(start)
	ix.logger.Printf("indexer: indexed %d documents from %d roots (%d skipped) in %s",
		report.Indexed, len(absRoots), len(report.Skipped), report.Duration.Round(time.Millisecond))
	return snap, report, nil
}

func (ix *Indexer) walkRoot(ctx context.Context, root string) ([]*DocumentRecord, []Skip, error) {
	var (
		records []*DocumentRecord
		skips   []Skip
	)
	skip := func(path, reason string) {
		ix.logger.Printf("indexer: skipping %s: %s", path, reason)
		skips = append(skips, Skip{Path: path, Reason: reason})
	}

	info, err := os.Stat(root)
	if err != nil {
		skip(root, err.Error())
		return nil, skips, nil
	}
	if !info.IsDir() {
		skip(root, "corpus root is not a directory")
		return nil, skips, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			skip(path, walkErr.Error())
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ix.exclude.Match(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if ix.exclude.Match(rel) {
			return nil
		}
		if !ix.exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rec, reason := ix.readDocument(root, path, d)
		if rec == nil {
			skip(path, reason)
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return nil, skips, err
	}
	if err != nil {
		skip(root, err.Error())
	}
	return records, skips, nil
}

// readDocument loads and analyzes a single file. On failure it returns a nil
// record and the skip reason.
func (ix *Indexer) readDocument(root, path string, d fs.DirEntry) (*DocumentRecord, string) {
	info, err := d.Info()
	if err != nil {
		return nil, fmt.Sprintf("stat: %v", err)
	}
	if ix.policy.MaxFileSize > 0 && info.Size() > ix.policy.MaxFileSize {
		return nil, fmt.Sprintf("size %d exceeds limit %d", info.Size(), ix.policy.MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Sprintf("read: %v", err)
	}
	if !utf8.Valid(data) {
		return nil, "content is not valid UTF-8"
	}

	content := string(data)
	if ix.policy.Filter != nil {
		content = ix.policy.Filter(content)
	}
	sum := sha256.Sum256(data)

	counts := CountTags(ix.policy.Extractor, content)
	tags := make(map[string]struct{}, len(counts))
	for t := range counts {
		tags[t] = struct{}{}
	}

	return &DocumentRecord{
		Path:      path,
		Root:      root,
		Tags:      tags,
		TagCounts: counts,
		Digest:    hex.EncodeToString(sum[:]),
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Content:   content,
		Tokens:    Tokenize(content),
	}, ""
}
