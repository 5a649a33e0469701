package rules

import (
	"fmt"
	"strings"

	"github.com/lazypower/vaultweave/internal/corpus"
	"github.com/lazypower/vaultweave/internal/correlate"
)

// LinkMatch is a proposed link from Source to Target produced by a rule.
// Strength is zero until scored by a Calculator.
type LinkMatch struct {
	Rule     string
	Base     float64 // rule strength after its learned multiplier
	Source   *corpus.DocumentRecord
	Target   *corpus.DocumentRecord
	Strength float64
	Reason   string
}

// Match evaluates each enabled, compiled rule against the snapshot. Every
// document satisfying the trigger is paired with every other document
// satisfying the target. Output follows rule order, then source path, then
// target path.
func Match(snap *corpus.Snapshot, rules []*Rule) []LinkMatch {
	docs := snap.Documents()
	features := make(map[string]map[string]struct{})
	featuresOf := func(d *corpus.DocumentRecord) map[string]struct{} {
		f, ok := features[d.Path]
		if !ok {
			f = d.Features()
			features[d.Path] = f
		}
		return f
	}

	var out []LinkMatch
	for _, r := range rules {
		if r == nil || !r.Enabled || !r.Compiled() {
			continue
		}

		var triggers, targets []*corpus.DocumentRecord
		for _, d := range docs {
			if r.Trigger.matchDoc(d) {
				triggers = append(triggers, d)
			}
			if r.Target.matchDoc(d) {
				targets = append(targets, d)
			}
		}
		if len(triggers) == 0 || len(targets) == 0 {
			continue
		}

		base := r.EffectiveStrength()
		minSim := max(r.Trigger.MinSimilarity, r.Target.MinSimilarity)
		for _, src := range triggers {
			if r.Excludes(src.Path) {
				continue
			}
			for _, tgt := range targets {
				if tgt.Path == src.Path {
					continue
				}
				if r.Target.ExcludeSameProject && sameProject(src, tgt) {
					continue
				}
				if minSim > 0 && correlate.Jaccard(featuresOf(src), featuresOf(tgt)) < minSim {
					continue
				}
				out = append(out, LinkMatch{
					Rule:   r.Name,
					Base:   base,
					Source: src,
					Target: tgt,
					Reason: reason(src, tgt),
				})
			}
		}
	}
	return out
}

// reason is the short human explanation written next to each link.
func reason(src, tgt *corpus.DocumentRecord) string {
	var shared []string
	for _, t := range src.TagList() {
		if tgt.HasTag(t) {
			shared = append(shared, "#"+t)
		}
	}
	if len(shared) > 3 {
		shared = append(shared[:3], fmt.Sprintf("+%d", len(shared)-3))
	}
	if len(shared) > 0 {
		return "shared tags " + strings.Join(shared, " ")
	}
	if src.Root == tgt.Root && strings.Join(src.DirSegments(), "/") == strings.Join(tgt.DirSegments(), "/") {
		return "same folder"
	}
	return "related content"
}
