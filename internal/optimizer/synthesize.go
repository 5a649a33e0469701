package optimizer

import (
	"fmt"
	"log"
	"strings"

	"github.com/lazypower/vaultweave/internal/correlate"
	"github.com/lazypower/vaultweave/internal/rules"
)

const (
	DefaultMinConfidence = 0.8
	DefaultMaxPerCycle   = 5
	defaultRuleStrength  = 0.6
	maxDescriptionChars  = 200
)

// SynthOptions bound rule generation.
type SynthOptions struct {
	MinConfidence float64 // patterns must be strictly above this
	MaxPerCycle   int
	Strength      float64
}

func (o SynthOptions) withDefaults() SynthOptions {
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.MaxPerCycle <= 0 {
		o.MaxPerCycle = DefaultMaxPerCycle
	}
	if o.Strength <= 0 {
		o.Strength = defaultRuleStrength
	}
	return o
}

// Synthesize turns high-confidence directory and tag patterns into rules.
// Names already present in existing are skipped. Naming patterns never
// produce rules. The returned rules are compiled and marked Generated.
func Synthesize(patterns []correlate.Pattern, existing *rules.Registry, opts SynthOptions) []*rules.Rule {
	opts = opts.withDefaults()

	var out []*rules.Rule
	seen := make(map[string]bool)
	for _, p := range patterns {
		if len(out) >= opts.MaxPerCycle {
			break
		}
		if p.Confidence <= opts.MinConfidence {
			continue
		}

		r := ruleFor(p, opts.Strength)
		if r == nil || seen[r.Name] || (existing != nil && existing.Has(r.Name)) {
			continue
		}
		if err := r.Compile(); err != nil {
			log.Printf("optimizer: skipping pattern %s:%s: %v", p.Kind, p.Key, err)
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out
}

func ruleFor(p correlate.Pattern, strength float64) *rules.Rule {
	slug := sanitizeRuleName(p.Key)
	if slug == "" {
		return nil
	}

	r := &rules.Rule{
		Action:    rules.ActionLink,
		Strength:  strength,
		Enabled:   true,
		Generated: true,
		Source:    fmt.Sprintf("%s:%s", p.Kind, p.Key),
	}
	switch p.Kind {
	case correlate.PatternDirectory:
		r.Name = "auto-dir-" + slug
		r.Description = truncateClean(fmt.Sprintf("Link documents that live together in %s (%d documents).", p.Key, len(p.Documents)), maxDescriptionChars)
		dirGlob := strings.TrimSuffix(p.Key, "/") + "/*"
		r.Trigger = rules.Bundle{Path: dirGlob}
		r.Target = rules.Bundle{Path: dirGlob}
	case correlate.PatternTag:
		r.Name = "auto-tag-" + slug
		r.Description = truncateClean(fmt.Sprintf("Link documents tagged #%s (%d documents).", p.Key, len(p.Documents)), maxDescriptionChars)
		r.Trigger = rules.Bundle{Tags: []string{p.Key}}
		r.Target = rules.Bundle{Tags: []string{p.Key}}
	default:
		return nil
	}
	return r
}
