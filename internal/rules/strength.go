package rules

import (
	"sort"

	"github.com/lazypower/vaultweave/internal/corpus"
	"github.com/lazypower/vaultweave/internal/correlate"
)

const (
	DefaultMinStrength  = 0.7
	DefaultMaxPerSource = 10
)

// Calculator scores and filters link matches.
type Calculator struct {
	Weights      Weights
	MinStrength  float64
	MaxPerSource int
}

// NewCalculator builds a calculator from rules-file settings.
func NewCalculator(s Settings) (*Calculator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{
		Weights:      s.Weights(),
		MinStrength:  s.MinStrengthThreshold,
		MaxPerSource: s.MaxLinksPerFile,
	}, nil
}

// Strength blends the rule's base strength with the pair's similarity:
// (base + tag×Wt + content×Wc + path×Wp) / 2, clamped to [0,1].
func (c *Calculator) Strength(base float64, src, tgt *corpus.DocumentRecord) float64 {
	w := c.Weights
	blended := correlate.Jaccard(src.Tags, tgt.Tags)*w.Tag +
		correlate.Jaccard(src.Tokens, tgt.Tokens)*w.Content +
		PathScore(src, tgt)*w.Path
	return clamp((clamp(base, 0.1, 1.0)+blended)/2, 0, 1)
}

// PathScore is the Jaccard similarity of the parent-directory segments.
// Two root-level documents score 1 when they share a corpus root.
func PathScore(a, b *corpus.DocumentRecord) float64 {
	sa, sb := a.DirSegments(), b.DirSegments()
	if len(sa) == 0 && len(sb) == 0 {
		if a.Root == b.Root {
			return 1
		}
		return 0
	}
	return correlate.Jaccard(segmentSet(sa), segmentSet(sb))
}

func segmentSet(segs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(segs))
	for _, s := range segs {
		out[s] = struct{}{}
	}
	return out
}

// Score fills in Strength for every match.
func (c *Calculator) Score(matches []LinkMatch) {
	for i := range matches {
		m := &matches[i]
		m.Strength = c.Strength(m.Base, m.Source, m.Target)
	}
}

// Apply scores the matches and filters them.
func (c *Calculator) Apply(matches []LinkMatch) []LinkMatch {
	c.Score(matches)
	return Filter(matches, c.MinStrength, c.MaxPerSource)
}

// Filter drops matches below minStrength and keeps at most maxPerSource
// of the strongest per source document, ties broken by target path.
// The result is ordered by source path, then descending strength.
func Filter(matches []LinkMatch, minStrength float64, maxPerSource int) []LinkMatch {
	bySource := make(map[string][]LinkMatch)
	var sources []string
	for _, m := range matches {
		if m.Strength < minStrength {
			continue
		}
		if _, ok := bySource[m.Source.Path]; !ok {
			sources = append(sources, m.Source.Path)
		}
		bySource[m.Source.Path] = append(bySource[m.Source.Path], m)
	}
	sort.Strings(sources)

	var out []LinkMatch
	for _, src := range sources {
		group := bySource[src]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Strength != group[j].Strength {
				return group[i].Strength > group[j].Strength
			}
			if group[i].Target.Path != group[j].Target.Path {
				return group[i].Target.Path < group[j].Target.Path
			}
			return group[i].Rule < group[j].Rule
		})
		if maxPerSource > 0 && len(group) > maxPerSource {
			group = group[:maxPerSource]
		}
		out = append(out, group...)
	}
	return out
}
