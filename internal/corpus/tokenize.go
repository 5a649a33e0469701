package corpus

import (
	"strings"
)

// minTokenLen drops short words that carry no topical signal.
const minTokenLen = 3

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "had": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true, "have": true,
	"this": true, "that": true, "with": true, "from": true, "they": true, "will": true,
	"would": true, "there": true, "their": true, "what": true, "about": true,
	"which": true, "when": true, "were": true, "been": true, "into": true, "than": true,
	"then": true, "them": true, "these": true, "some": true, "also": true, "its": true,
}

// Tokenize returns the set of lower-cased words in text, skipping frontmatter,
// short tokens, pure numbers and common stop words.
func Tokenize(text string) map[string]struct{} {
	_, body := SplitFrontmatter(text)
	body = strings.ToLower(body)

	out := make(map[string]struct{})
	var current strings.Builder
	flush := func() {
		if current.Len() >= minTokenLen {
			tok := strings.Trim(current.String(), "-_")
			if len(tok) >= minTokenLen && !stopWords[tok] && !allDigits(tok) {
				out[tok] = struct{}{}
			}
		}
		current.Reset()
	}
	for _, r := range body {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
