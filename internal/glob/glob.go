// Package glob matches slash-separated paths against shell-style patterns
// with `**` support.
//
//	*      any run of characters except '/'
//	?      any single character except '/'
//	**     any run of characters including '/'
//	**/    zero or more leading directories
//	[abc]  character class, passed through
package glob

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Pattern is a compiled glob.
type Pattern struct {
	raw      string
	re       *regexp.Regexp
	baseOnly bool // pattern has no '/', so it is matched against the base name
}

// Compile translates pattern into a matcher.
func Compile(pattern string) (*Pattern, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty glob")
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 2
				} else {
					b.WriteString(".*")
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				return nil, fmt.Errorf("glob %q: unterminated character class", pattern)
			}
			class := pattern[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	return &Pattern{
		raw:      pattern,
		re:       re,
		baseOnly: !strings.Contains(pattern, "/"),
	}, nil
}

// MustCompile is Compile that panics on error. For tests and constants.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether the slash-separated path p matches.
func (g *Pattern) Match(p string) bool {
	if g == nil {
		return false
	}
	if g.re.MatchString(p) {
		return true
	}
	if g.baseOnly {
		return g.re.MatchString(path.Base(p))
	}
	return false
}

// String returns the source pattern.
func (g *Pattern) String() string { return g.raw }

// Set is a list of patterns; a path matches the set if any pattern matches.
type Set []*Pattern

// CompileSet compiles every pattern, failing on the first invalid one.
func CompileSet(patterns []string) (Set, error) {
	out := make(Set, 0, len(patterns))
	for _, p := range patterns {
		g, err := Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether any pattern in the set matches p.
func (s Set) Match(p string) bool {
	for _, g := range s {
		if g.Match(p) {
			return true
		}
	}
	return false
}
