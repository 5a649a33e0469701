package correlate

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lazypower/vaultweave/internal/corpus"
)

// PatternKind classifies a discovered pattern.
type PatternKind string

const (
	PatternDirectory PatternKind = "directory"
	PatternTag       PatternKind = "tag"
	PatternNaming    PatternKind = "naming"
)

// Naming conventions recognized by DiscoverPatterns.
const (
	NamingDatePrefixed   = "date-prefixed"
	NamingCodePrefixed   = "code-prefixed"
	NamingKebabCase      = "kebab-case"
	NamingSnakeCase      = "snake_case"
	NamingSpaceSeparated = "space-separated"
	NamingCamelCase      = "camelCase"
)

const (
	minPatternDocs    = 2
	minTagOccurrences = 3
)

// Pattern is a recurring structural trait shared by several documents.
type Pattern struct {
	Kind       PatternKind `json:"kind"`
	Key        string      `json:"key"`
	Documents  []string    `json:"documents"`
	Confidence float64     `json:"confidence"`
}

var (
	datePrefixRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	codePrefixRe = regexp.MustCompile(`^(?:[A-Za-z]{2,}-\d+|\d+[._ -])`)
	camelCaseRe  = regexp.MustCompile(`^[a-z]+[A-Z][A-Za-z0-9]*$`)
)

// DiscoverPatterns looks for shared directories, heavily used tags, and
// filename conventions. Confidence is the share of the corpus exhibiting
// the pattern.
func DiscoverPatterns(snap *corpus.Snapshot) []Pattern {
	total := snap.Len()
	if total == 0 {
		return nil
	}

	dirs := make(map[string][]string)
	tagDocs := make(map[string][]string)
	tagUses := make(map[string]int)
	naming := make(map[string][]string)

	for _, doc := range snap.Documents() {
		if dir := filepath.ToSlash(filepath.Dir(doc.RelPath())); dir != "." {
			dirs[dir] = append(dirs[dir], doc.Path)
		}
		for tag, n := range doc.TagCounts {
			tagUses[tag] += n
			tagDocs[tag] = append(tagDocs[tag], doc.Path)
		}
		for _, conv := range NamingConventions(doc.Name()) {
			naming[conv] = append(naming[conv], doc.Path)
		}
	}

	var out []Pattern
	add := func(kind PatternKind, key string, docs []string) {
		sort.Strings(docs)
		out = append(out, Pattern{
			Kind:       kind,
			Key:        key,
			Documents:  docs,
			Confidence: clamp01(float64(len(docs)) / float64(total)),
		})
	}

	for dir, docs := range dirs {
		if len(docs) >= minPatternDocs {
			add(PatternDirectory, dir, docs)
		}
	}
	for tag, docs := range tagDocs {
		if tagUses[tag] >= minTagOccurrences && len(docs) >= minPatternDocs {
			add(PatternTag, tag, docs)
		}
	}
	for conv, docs := range naming {
		if len(docs) >= minPatternDocs {
			add(PatternNaming, conv, docs)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// NamingConventions classifies a filename stem. A name may carry a prefix
// convention and a separator style at the same time.
func NamingConventions(name string) []string {
	var out []string
	switch {
	case datePrefixRe.MatchString(name):
		out = append(out, NamingDatePrefixed)
	case codePrefixRe.MatchString(name):
		out = append(out, NamingCodePrefixed)
	}

	hasDash := strings.Contains(name, "-")
	hasUnderscore := strings.Contains(name, "_")
	hasSpace := strings.Contains(name, " ")
	switch {
	case hasSpace:
		out = append(out, NamingSpaceSeparated)
	case hasDash && !hasUnderscore:
		out = append(out, NamingKebabCase)
	case hasUnderscore && !hasDash:
		out = append(out, NamingSnakeCase)
	case camelCaseRe.MatchString(name):
		out = append(out, NamingCamelCase)
	}
	return out
}
