// Package optimizer tunes rules from how their links fare in the corpus.
//
// Rules whose links rarely stick are weakened, rules whose links are kept
// are strengthened, and links a user deletes become per-rule exclusions.
package optimizer

import (
	"log"
	"sort"

	"github.com/lazypower/vaultweave/internal/rules"
)

const (
	lowAcceptance  = 0.3
	highAcceptance = 0.7
	decayFactor    = 0.9
	boostFactor    = 1.05
)

// Stat counts a rule's matches in one cycle and how many of them ended up
// present in documents.
type Stat struct {
	Generated int `json:"generated"`
	Accepted  int `json:"accepted"`
}

// Acceptance is Accepted / Generated, 0 when nothing was generated.
func (s Stat) Acceptance() float64 {
	if s.Generated <= 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Generated)
}

// Adjustment records a multiplier change.
type Adjustment struct {
	Rule       string  `json:"rule"`
	Acceptance float64 `json:"acceptance"`
	Before     float64 `json:"before"`
	After      float64 `json:"after"`
}

// Store persists learned rule state.
type Store interface {
	SaveRuleMultiplier(rule string, multiplier float64) error
	AddRuleExclusion(rule, path string) error
}

// Optimizer owns the learned state of the rules in a registry.
type Optimizer struct {
	reg    *rules.Registry
	store  Store
	logger *log.Logger
}

// New returns an optimizer. store may be nil, in which case learned state
// lives only in memory.
func New(reg *rules.Registry, store Store, logger *log.Logger) *Optimizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Optimizer{reg: reg, store: store, logger: logger}
}

// Stats builds per-rule statistics from the matches of a pass and the
// per-rule count of links present afterwards.
func Stats(matches []rules.LinkMatch, accepted map[string]int) map[string]Stat {
	out := make(map[string]Stat)
	for _, m := range matches {
		s := out[m.Rule]
		s.Generated++
		out[m.Rule] = s
	}
	for rule, n := range accepted {
		s := out[rule]
		s.Accepted = min(n, s.Generated)
		out[rule] = s
	}
	return out
}

// Observe adjusts multipliers from acceptance rates: below 0.3 the
// multiplier shrinks by 10% (floor 0.1), above 0.7 it grows by 5% (cap 1.2).
// Rules with nothing generated are left alone.
func (o *Optimizer) Observe(stats map[string]Stat) []Adjustment {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Adjustment
	for _, name := range names {
		st := stats[name]
		if st.Generated == 0 {
			continue
		}
		rate := st.Acceptance()

		var adj Adjustment
		ok := o.reg.Update(name, func(r *rules.Rule) {
			before := r.Multiplier
			if before == 0 {
				before = rules.DefaultMultiplier
			}
			after := before
			switch {
			case rate < lowAcceptance:
				after = max(before*decayFactor, rules.MinMultiplier)
			case rate > highAcceptance:
				after = min(before*boostFactor, rules.MaxMultiplier)
			}
			r.Multiplier = after
			adj = Adjustment{Rule: name, Acceptance: rate, Before: before, After: after}
		})
		if !ok || adj.Before == adj.After {
			continue
		}

		o.logger.Printf("optimizer: rule %s acceptance %.2f, multiplier %.3f -> %.3f", name, rate, adj.Before, adj.After)
		if o.store != nil {
			if err := o.store.SaveRuleMultiplier(name, adj.After); err != nil {
				o.logger.Printf("optimizer: persist multiplier for %s: %v", name, err)
			}
		}
		out = append(out, adj)
	}
	return out
}

// Exclude records that rule must no longer write links into path.
func (o *Optimizer) Exclude(rule, path string) bool {
	added := false
	ok := o.reg.Update(rule, func(r *rules.Rule) {
		if r.Exclusions == nil {
			r.Exclusions = make(map[string]struct{})
		}
		if _, exists := r.Exclusions[path]; !exists {
			r.Exclusions[path] = struct{}{}
			added = true
		}
	})
	if !ok || !added {
		return false
	}
	o.logger.Printf("optimizer: rule %s now excludes %s", rule, path)
	if o.store != nil {
		if err := o.store.AddRuleExclusion(rule, path); err != nil {
			o.logger.Printf("optimizer: persist exclusion for %s: %v", rule, err)
		}
	}
	return true
}

// Restore applies persisted state to a registered rule.
func (o *Optimizer) Restore(rule string, multiplier float64, exclusions []string) bool {
	return o.reg.Update(rule, func(r *rules.Rule) {
		if multiplier > 0 {
			r.Multiplier = min(max(multiplier, rules.MinMultiplier), rules.MaxMultiplier)
		}
		if r.Exclusions == nil {
			r.Exclusions = make(map[string]struct{}, len(exclusions))
		}
		for _, p := range exclusions {
			r.Exclusions[p] = struct{}{}
		}
	})
}
