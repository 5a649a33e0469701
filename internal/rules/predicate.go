package rules

import (
	"path/filepath"
	"strings"

	"github.com/lazypower/vaultweave/internal/corpus"
)

// matchDoc evaluates every single-document predicate of the bundle.
// min_similarity needs the other side of the pair and is checked by the matcher.
func (b *Bundle) matchDoc(doc *corpus.DocumentRecord) bool {
	if len(b.tagSet) > 0 && !sharesTag(b.tagSet, doc.Tags) {
		return false
	}
	if b.pathGlob != nil && !b.pathGlob.Match(doc.RelPath()) {
		return false
	}

	base := filepath.Base(doc.Path)
	if b.Filename != "" && b.Filename != base && b.Filename != doc.Name() {
		return false
	}
	if b.FilenameContains != "" && !strings.Contains(base, b.FilenameContains) {
		return false
	}
	if b.nameGlob != nil && !b.nameGlob.Match(base) {
		return false
	}
	if b.content != "" && !strings.Contains(strings.ToLower(doc.Content), b.content) {
		return false
	}
	return true
}

func sharesTag(want, have map[string]struct{}) bool {
	for t := range want {
		if _, ok := have[t]; ok {
			return true
		}
	}
	return false
}

// Project returns the project a document belongs to: the path segment after
// a "projects" or "project" directory, else the first directory under the
// corpus root. Documents at the root level have no project.
func Project(doc *corpus.DocumentRecord) string {
	segs := doc.DirSegments()
	for i, s := range segs {
		if (strings.EqualFold(s, "projects") || strings.EqualFold(s, "project")) && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

func sameProject(a, b *corpus.DocumentRecord) bool {
	pa := Project(a)
	return pa != "" && a.Root == b.Root && pa == Project(b)
}
