// Package correlate computes tag co-occurrence statistics and recurring
// structural patterns over an indexed corpus.
package correlate

import (
	"math"
	"sort"

	"github.com/lazypower/vaultweave/internal/corpus"
)

const (
	DefaultMinFrequency = 3
	DefaultThreshold    = 0.7

	// confidenceSaturation is the co-occurrence count at which a pair seen in
	// every corpus reaches full confidence.
	confidenceSaturation = 10.0
)

// Options tunes correlation filtering.
type Options struct {
	MinFrequency int     // minimum co-occurrence count (default 3)
	Threshold    float64 // minimum Jaccard (default 0.7)
}

func (o Options) minFrequency() int {
	if o.MinFrequency <= 0 {
		return DefaultMinFrequency
	}
	return o.MinFrequency
}

func (o Options) threshold() float64 {
	if o.Threshold <= 0 {
		return DefaultThreshold
	}
	return o.Threshold
}

// Score is the correlation between two tags. TagA < TagB.
type Score struct {
	TagA         string  `json:"tag_a"`
	TagB         string  `json:"tag_b"`
	CoOccurrence int     `json:"co_occurrence"`
	Jaccard      float64 `json:"jaccard"`
	Corpora      int     `json:"corpora"`
	Confidence   float64 `json:"confidence"`
}

type tagPair struct{ a, b string }

func newPair(x, y string) tagPair {
	if x > y {
		x, y = y, x
	}
	return tagPair{x, y}
}

// Analyze counts, for every tag pair, the documents in which both tags
// appear, and keeps the pairs that clear the frequency and Jaccard bars.
func Analyze(snap *corpus.Snapshot, opts Options) []Score {
	tagCount := make(map[string]int)
	coCount := make(map[tagPair]int)
	pairRoots := make(map[tagPair]map[string]struct{})

	for _, doc := range snap.Documents() {
		tags := doc.TagList()
		for _, t := range tags {
			tagCount[t]++
		}
		for i := 0; i < len(tags); i++ {
			for j := i + 1; j < len(tags); j++ {
				p := newPair(tags[i], tags[j])
				coCount[p]++
				roots, ok := pairRoots[p]
				if !ok {
					roots = make(map[string]struct{})
					pairRoots[p] = roots
				}
				roots[doc.Root] = struct{}{}
			}
		}
	}

	totalCorpora := len(snap.Corpora())
	if totalCorpora == 0 {
		totalCorpora = 1
	}

	minFreq := opts.minFrequency()
	threshold := opts.threshold()

	var out []Score
	for p, co := range coCount {
		if co < minFreq {
			continue
		}
		j := jaccardFromCounts(co, tagCount[p.a], tagCount[p.b])
		if j < threshold {
			continue
		}
		participating := len(pairRoots[p])
		out = append(out, Score{
			TagA:         p.a,
			TagB:         p.b,
			CoOccurrence: co,
			Jaccard:      j,
			Corpora:      participating,
			Confidence:   Confidence(co, participating, totalCorpora),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Jaccard != out[j].Jaccard {
			return out[i].Jaccard > out[j].Jaccard
		}
		if out[i].TagA != out[j].TagA {
			return out[i].TagA < out[j].TagA
		}
		return out[i].TagB < out[j].TagB
	})
	return out
}

// Confidence weighs a pair's raw frequency by how many independent corpora
// it was seen in, so one dense cluster of near-duplicates cannot dominate.
func Confidence(coOccurrence, participating, total int) float64 {
	if total <= 0 || coOccurrence <= 0 || participating <= 0 {
		return 0
	}
	c := (float64(coOccurrence) / confidenceSaturation) * (float64(participating) / float64(total))
	return clamp01(c)
}

// jaccardFromCounts computes co / (a + b - co) from document counts.
func jaccardFromCounts(co, a, b int) float64 {
	union := a + b - co
	if union <= 0 {
		return 0
	}
	return clamp01(float64(co) / float64(union))
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets score 0.
func Jaccard[T comparable](a, b map[T]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for k := range small {
		if _, ok := large[k]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
