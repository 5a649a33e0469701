package linker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/lazypower/vaultweave/internal/rules"
)

const markerPrefix = "vaultweave"

var (
	beginRe = regexp.MustCompile(`^<!-- ` + markerPrefix + `:begin rule=(.+?) digest=([0-9a-f]+) -->$`)
	endRe   = regexp.MustCompile(`^<!-- ` + markerPrefix + `:end rule=(.+?) -->$`)
)

// block is the rendered links of one rule for one document.
type block struct {
	rule   string
	body   []string
	digest string
}

// newBlock renders matches. The digest covers which targets are linked and
// why, not their strengths, so a block is only rewritten when its links
// change and multiplier drift alone never touches the document.
func newBlock(rule string, matches []rules.LinkMatch) block {
	body := make([]string, 0, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		line := fmt.Sprintf("- [[%s]] (%.2f)", m.Target.Name(), m.Strength)
		if m.Reason != "" {
			line += " " + m.Reason
		}
		body = append(body, line)
		ids = append(ids, linkIdentity(m))
	}
	sort.Strings(ids)
	return block{rule: rule, body: body, digest: Digest(ids)}
}

// linkIdentity is the strength-independent part of a link line.
func linkIdentity(m rules.LinkMatch) string {
	id := "[[" + m.Target.Name() + "]]"
	if m.Reason != "" {
		id += " " + m.Reason
	}
	return id
}

func (b block) lines() []string {
	out := make([]string, 0, len(b.body)+2)
	out = append(out, fmt.Sprintf("<!-- %s:begin rule=%s digest=%s -->", markerPrefix, b.rule, b.digest))
	out = append(out, b.body...)
	out = append(out, fmt.Sprintf("<!-- %s:end rule=%s -->", markerPrefix, b.rule))
	return out
}

// Digest is the first 16 hex characters of the sha256 of the given lines.
func Digest(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// document is a mutable line view of a file's content.
type document struct {
	lines   []string
	heading string
}

func parseDocument(content, heading string) *document {
	return &document{lines: strings.Split(content, "\n"), heading: "## " + heading}
}

func (d *document) String() string {
	return strings.Join(d.lines, "\n")
}

// section returns the line range [start, end) of the section body, start
// being the line after the heading. ok is false when there is no section.
func (d *document) section() (start, end int, ok bool) {
	h := -1
	for i, l := range d.lines {
		if strings.TrimSpace(l) == d.heading {
			h = i
			break
		}
	}
	if h < 0 {
		return 0, 0, false
	}
	end = len(d.lines)
	for i := h + 1; i < len(d.lines); i++ {
		l := d.lines[i]
		if strings.HasPrefix(l, "# ") || strings.HasPrefix(l, "## ") {
			end = i
			break
		}
	}
	return h + 1, end, true
}

// find locates the block for rule inside the section. It returns the begin
// and end marker lines and the digest recorded in the begin marker.
func (d *document) find(rule string) (begin, end int, digest string, ok bool) {
	start, stop, found := d.section()
	if !found {
		return 0, 0, "", false
	}
	for i := start; i < stop; i++ {
		m := beginRe.FindStringSubmatch(strings.TrimSpace(d.lines[i]))
		if m == nil || m[1] != rule {
			continue
		}
		for j := i + 1; j < stop; j++ {
			e := endRe.FindStringSubmatch(strings.TrimSpace(d.lines[j]))
			if e != nil && e[1] == rule {
				return i, j, m[2], true
			}
		}
		// A begin marker without its end is treated as a one-line block.
		return i, i, m[2], true
	}
	return 0, 0, "", false
}

// replace swaps lines [begin, end] for the block.
func (d *document) replace(begin, end int, b block) {
	tail := append([]string(nil), d.lines[end+1:]...)
	d.lines = append(append(d.lines[:begin], b.lines()...), tail...)
}

// insert appends the block to the section, creating the section at the end
// of the document if needed.
func (d *document) insert(b block) {
	start, end, ok := d.section()
	if !ok {
		for len(d.lines) > 0 && strings.TrimSpace(d.lines[len(d.lines)-1]) == "" {
			d.lines = d.lines[:len(d.lines)-1]
		}
		if len(d.lines) > 0 {
			d.lines = append(d.lines, "")
		}
		d.lines = append(d.lines, d.heading, "")
		d.lines = append(d.lines, b.lines()...)
		d.lines = append(d.lines, "")
		return
	}

	at := end
	for at > start && strings.TrimSpace(d.lines[at-1]) == "" {
		at--
	}
	ins := b.lines()
	if at > start {
		ins = append([]string{""}, ins...)
	}
	tail := append([]string(nil), d.lines[at:]...)
	if len(tail) == 0 || strings.TrimSpace(tail[0]) != "" {
		tail = append([]string{""}, tail...)
	}
	d.lines = append(append(d.lines[:at], ins...), tail...)
}

// ContentFilter returns a function that removes the managed link blocks and
// the section heading from content, so generated links never feed back into
// tag extraction or similarity.
func ContentFilter(heading string) func(string) string {
	if heading == "" {
		heading = DefaultHeading
	}
	h := "## " + heading
	return func(content string) string {
		if !strings.Contains(content, "<!-- "+markerPrefix+":") {
			return content
		}
		lines := strings.Split(content, "\n")
		out := make([]string, 0, len(lines))
		inBlock := false
		for _, l := range lines {
			t := strings.TrimSpace(l)
			switch {
			case inBlock:
				if endRe.MatchString(t) {
					inBlock = false
				}
			case beginRe.MatchString(t):
				inBlock = true
			case t == h:
			default:
				out = append(out, l)
			}
		}
		return strings.Join(out, "\n")
	}
}
