package corpus

import (
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DocumentRecord is the indexed view of a single document.
// Records belong to a Snapshot and are never mutated after it is built.
type DocumentRecord struct {
	Path      string // absolute path, unique key
	Root      string // corpus root the document was found under
	Tags      map[string]struct{}
	TagCounts map[string]int // occurrences per tag
	Digest    string         // sha256 hex of the content
	Size      int64
	ModTime   time.Time

	Content string
	Tokens  map[string]struct{}
}

// RelPath returns the path relative to the document's corpus root,
// using forward slashes.
func (d *DocumentRecord) RelPath() string {
	rel, err := filepath.Rel(d.Root, d.Path)
	if err != nil {
		return filepath.ToSlash(d.Path)
	}
	return filepath.ToSlash(rel)
}

// Name returns the filename without its extension, the form used in wiki links.
func (d *DocumentRecord) Name() string {
	base := filepath.Base(d.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DirSegments returns the parent-directory segments relative to the root.
func (d *DocumentRecord) DirSegments() []string {
	dir := filepath.ToSlash(filepath.Dir(d.RelPath()))
	if dir == "." || dir == "" {
		return nil
	}
	return strings.Split(dir, "/")
}

// TagList returns the tags in sorted order.
func (d *DocumentRecord) TagList() []string {
	out := make([]string, 0, len(d.Tags))
	for t := range d.Tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasTag reports whether the document carries tag.
func (d *DocumentRecord) HasTag(tag string) bool {
	_, ok := d.Tags[tag]
	return ok
}

// Features returns tags ∪ tokens, the set used for content similarity.
// Tags are prefixed so a tag never collides with an identical word.
func (d *DocumentRecord) Features() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Tags)+len(d.Tokens))
	for t := range d.Tags {
		out["#"+t] = struct{}{}
	}
	for t := range d.Tokens {
		out[t] = struct{}{}
	}
	return out
}

// Snapshot is an immutable, fully built index of the corpus.
type Snapshot struct {
	docs    map[string]*DocumentRecord
	paths   []string
	roots   []string
	BuiltAt time.Time
}

// NewSnapshot builds a snapshot from records. Later duplicates of a path win.
func NewSnapshot(records []*DocumentRecord, roots []string) *Snapshot {
	s := &Snapshot{
		docs:    make(map[string]*DocumentRecord, len(records)),
		BuiltAt: time.Now(),
	}
	for _, r := range records {
		s.docs[r.Path] = r
	}
	s.paths = make([]string, 0, len(s.docs))
	for p := range s.docs {
		s.paths = append(s.paths, p)
	}
	sort.Strings(s.paths)

	s.roots = append([]string(nil), roots...)
	sort.Strings(s.roots)
	return s
}

// Get returns the record for path, or nil.
func (s *Snapshot) Get(path string) *DocumentRecord {
	if s == nil {
		return nil
	}
	return s.docs[path]
}

// Paths returns all document paths in sorted order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	return s.paths
}

// Documents returns all records ordered by path.
func (s *Snapshot) Documents() []*DocumentRecord {
	if s == nil {
		return nil
	}
	out := make([]*DocumentRecord, len(s.paths))
	for i, p := range s.paths {
		out[i] = s.docs[p]
	}
	return out
}

// Len returns the number of indexed documents.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.docs)
}

// Corpora returns the corpus roots the snapshot was built from.
func (s *Snapshot) Corpora() []string {
	if s == nil {
		return nil
	}
	return s.roots
}
