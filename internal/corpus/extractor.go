package corpus

import (
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// TagExtractor pulls tags out of a document's content.
// Returned tags are normalized: lower-case, no leading '#'.
type TagExtractor interface {
	Extract(content string) []string
}

// DefaultExtractor combines frontmatter and inline hashtag extraction.
func DefaultExtractor() TagExtractor {
	return MultiExtractor{FrontmatterExtractor{}, HashtagExtractor{}}
}

// MultiExtractor runs several extractors and merges their output, preserving
// first-seen order.
type MultiExtractor []TagExtractor

func (m MultiExtractor) Extract(content string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ex := range m {
		for _, t := range ex.Extract(content) {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// CountTags counts tag occurrences. For a MultiExtractor each member's output
// is counted separately, so a tag declared in frontmatter and used inline
// counts twice.
func CountTags(ex TagExtractor, content string) map[string]int {
	counts := make(map[string]int)
	if multi, ok := ex.(MultiExtractor); ok {
		for _, sub := range multi {
			for _, t := range sub.Extract(content) {
				counts[t]++
			}
		}
		return counts
	}
	for _, t := range ex.Extract(content) {
		counts[t]++
	}
	return counts
}

var hashtagRe = regexp.MustCompile(`(?:^|[\s(\[,;])#([\p{L}\p{N}_/-]+)`)

// HashtagExtractor recognizes inline #tag tokens outside fenced code blocks.
type HashtagExtractor struct{}

func (HashtagExtractor) Extract(content string) []string {
	_, body := SplitFrontmatter(content)

	var out []string
	inFence := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, m := range hashtagRe.FindAllStringSubmatch(line, -1) {
			if tag := normalizeTag(m[1]); tag != "" {
				out = append(out, tag)
			}
		}
	}
	return out
}

// FrontmatterExtractor reads `tags:` from a leading YAML metadata block.
// Both `tags: [a, b]` and block lists are accepted, as is a single
// comma or space separated string.
type FrontmatterExtractor struct{}

func (FrontmatterExtractor) Extract(content string) []string {
	fm, _ := SplitFrontmatter(content)
	if fm == "" {
		return nil
	}

	var meta struct {
		Tags any `yaml:"tags"`
	}
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return nil
	}

	var raw []string
	switch v := meta.Tags.(type) {
	case string:
		raw = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}

	var out []string
	for _, r := range raw {
		if tag := normalizeTag(r); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// SplitFrontmatter separates a leading `---` delimited block from the body.
// If there is no well-formed block, fm is empty and body is the full content.
func SplitFrontmatter(content string) (fm, body string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return "", content
	}
	rest := content[strings.Index(content, "\n")+1:]
	for offset := 0; offset < len(rest); {
		end := strings.Index(rest[offset:], "\n")
		var line string
		if end < 0 {
			line = rest[offset:]
			end = len(rest) - offset
		} else {
			line = rest[offset : offset+end]
		}
		if strings.TrimRight(line, "\r") == "---" {
			next := offset + end + 1
			if next > len(rest) {
				next = len(rest)
			}
			return rest[:offset], rest[next:]
		}
		offset += end + 1
	}
	return "", content
}

// normalizeTag lower-cases a tag, strips '#' and trailing punctuation, and
// rejects purely numeric tokens (issue references like #42).
func normalizeTag(tag string) string {
	tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
	tag = strings.TrimRight(tag, "/-_")
	tag = strings.ToLower(tag)
	if tag == "" {
		return ""
	}
	for _, r := range tag {
		if !unicode.IsDigit(r) {
			return tag
		}
	}
	return ""
}
