// Package discovery finds the corpus roots to index.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultMarker identifies an Obsidian vault.
const DefaultMarker = ".obsidian"

// Provider returns the corpus roots to index.
type Provider interface {
	Roots(ctx context.Context) ([]string, error)
}

// Static returns a fixed list of roots.
type Static []string

func (s Static) Roots(context.Context) ([]string, error) {
	out := make([]string, 0, len(s))
	for _, r := range s {
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve root %s: %w", r, err)
		}
		out = append(out, abs)
	}
	return dedupe(out), nil
}

// MarkerProvider walks search paths for directories containing a marker
// entry and returns those directories. Marked directories are not
// descended into, so nested vaults belong to the outermost one.
type MarkerProvider struct {
	SearchPaths []string
	Marker      string
	MaxDepth    int // 0 means unlimited
}

func (m MarkerProvider) Roots(ctx context.Context) ([]string, error) {
	marker := m.Marker
	if marker == "" {
		marker = DefaultMarker
	}

	var roots []string
	for _, base := range m.SearchPaths {
		base, err := filepath.Abs(expandHome(base))
		if err != nil {
			return nil, fmt.Errorf("resolve search path: %w", err)
		}
		err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == base {
					return err
				}
				return fs.SkipDir
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !d.IsDir() {
				return nil
			}
			if path != base && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			if m.MaxDepth > 0 && depth(base, path) > m.MaxDepth {
				return fs.SkipDir
			}
			if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
				roots = append(roots, path)
				return fs.SkipDir
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", base, err)
		}
	}
	return dedupe(roots), nil
}

// Multi merges the roots of several providers.
type Multi []Provider

func (m Multi) Roots(ctx context.Context) ([]string, error) {
	var all []string
	for _, p := range m {
		roots, err := p.Roots(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, roots...)
	}
	return dedupe(all), nil
}

func depth(base, path string) int {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func dedupe(paths []string) []string {
	sort.Strings(paths)
	out := paths[:0]
	for i, p := range paths {
		if i > 0 && p == paths[i-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}
