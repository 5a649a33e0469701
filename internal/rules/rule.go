// Package rules evaluates declarative trigger/target rules against an indexed
// corpus and scores the resulting link candidates.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lazypower/vaultweave/internal/glob"
	"gopkg.in/yaml.v3"
)

// ActionLink is the only supported rule action: write cross-references.
const ActionLink = "link"

const (
	MinMultiplier     = 0.1
	MaxMultiplier     = 1.2
	DefaultMultiplier = 1.0
)

// ErrInvalidRule is the sentinel wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// RuleError describes why a rule failed validation.
type RuleError struct {
	Rule string
	Msg  string
}

func (e *RuleError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidRule, e.Msg)
	}
	return fmt.Sprintf("%s %q: %s", ErrInvalidRule, e.Rule, e.Msg)
}

func (e *RuleError) Unwrap() error { return ErrInvalidRule }

// Bundle is a set of predicates over a document. Every predicate that is
// set must hold.
type Bundle struct {
	Tags             []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Path             string   `yaml:"path,omitempty" json:"path,omitempty"`
	Filename         string   `yaml:"filename,omitempty" json:"filename,omitempty"`
	FilenameContains string   `yaml:"filename_contains,omitempty" json:"filename_contains,omitempty"`
	FilenameGlob     string   `yaml:"filename_glob,omitempty" json:"filename_glob,omitempty"`
	ContentContains  string   `yaml:"content_contains,omitempty" json:"content_contains,omitempty"`
	MinSimilarity    float64  `yaml:"min_similarity,omitempty" json:"min_similarity,omitempty"`

	// ExcludeSameProject is honored on target bundles only.
	ExcludeSameProject bool `yaml:"exclude_same_project,omitempty" json:"exclude_same_project,omitempty"`

	tagSet   map[string]struct{}
	pathGlob *glob.Pattern
	nameGlob *glob.Pattern
	content  string
}

// empty reports whether the bundle has no predicates at all.
func (b *Bundle) empty() bool {
	return len(b.Tags) == 0 && b.Path == "" && b.Filename == "" &&
		b.FilenameContains == "" && b.FilenameGlob == "" &&
		b.ContentContains == "" && b.MinSimilarity == 0
}

func (b *Bundle) compile() error {
	if b.MinSimilarity < 0 || b.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity %.2f outside [0,1]", b.MinSimilarity)
	}

	b.tagSet = make(map[string]struct{}, len(b.Tags))
	for _, t := range b.Tags {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" {
			return fmt.Errorf("empty tag")
		}
		b.tagSet[t] = struct{}{}
	}

	var err error
	b.pathGlob = nil
	if b.Path != "" {
		if b.pathGlob, err = glob.Compile(b.Path); err != nil {
			return fmt.Errorf("path: %w", err)
		}
	}
	b.nameGlob = nil
	if b.FilenameGlob != "" {
		if b.nameGlob, err = glob.Compile(b.FilenameGlob); err != nil {
			return fmt.Errorf("filename_glob: %w", err)
		}
	}
	b.content = strings.ToLower(b.ContentContains)
	return nil
}

// Rule pairs documents matching Trigger with documents matching Target.
type Rule struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     Bundle  `yaml:"trigger" json:"trigger"`
	Target      Bundle  `yaml:"target" json:"target"`
	Action      string  `yaml:"action" json:"action"`
	Strength    float64 `yaml:"strength" json:"strength"`
	Enabled     bool    `yaml:"enabled" json:"enabled"`

	// Learned state, owned by the optimizer and persisted in the store.
	Multiplier float64             `yaml:"-" json:"multiplier"`
	Exclusions map[string]struct{} `yaml:"-" json:"-"`

	// Generated rules come from pattern synthesis rather than the rules file.
	Generated bool   `yaml:"-" json:"generated,omitempty"`
	Source    string `yaml:"-" json:"source,omitempty"`

	compiled bool
}

// UnmarshalYAML applies defaults for keys the rules file leaves out.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	p := plain{Action: ActionLink, Enabled: true, Strength: 0.5}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// Compile validates the rule and prepares its predicates. A rule that fails
// to compile must not be evaluated.
func (r *Rule) Compile() error {
	r.compiled = false
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return &RuleError{Msg: "name is required"}
	}
	if r.Action == "" {
		r.Action = ActionLink
	}
	if r.Action != ActionLink {
		return &RuleError{Rule: r.Name, Msg: fmt.Sprintf("unsupported action %q", r.Action)}
	}
	if r.Strength < 0 || r.Strength > 1 {
		return &RuleError{Rule: r.Name, Msg: fmt.Sprintf("strength %.2f outside [0,1]", r.Strength)}
	}
	if r.Trigger.empty() {
		return &RuleError{Rule: r.Name, Msg: "trigger has no predicates"}
	}
	if r.Target.empty() {
		return &RuleError{Rule: r.Name, Msg: "target has no predicates"}
	}
	if err := r.Trigger.compile(); err != nil {
		return &RuleError{Rule: r.Name, Msg: "trigger " + err.Error()}
	}
	if err := r.Target.compile(); err != nil {
		return &RuleError{Rule: r.Name, Msg: "target " + err.Error()}
	}
	if r.Multiplier == 0 {
		r.Multiplier = DefaultMultiplier
	}
	if r.Exclusions == nil {
		r.Exclusions = make(map[string]struct{})
	}
	r.compiled = true
	return nil
}

// Compiled reports whether the rule passed validation.
func (r *Rule) Compiled() bool { return r.compiled }

// EffectiveStrength is the base strength scaled by the learned multiplier,
// clamped to [0.1, 1.0].
func (r *Rule) EffectiveStrength() float64 {
	m := r.Multiplier
	if m == 0 {
		m = DefaultMultiplier
	}
	return clamp(r.Strength*m, 0.1, 1.0)
}

// Excludes reports whether path is a learned exclusion for this rule.
func (r *Rule) Excludes(path string) bool {
	_, ok := r.Exclusions[path]
	return ok
}

// ExclusionList returns learned exclusions in sorted order.
func (r *Rule) ExclusionList() []string {
	out := make([]string, 0, len(r.Exclusions))
	for p := range r.Exclusions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Registry holds the rules known to the engine, keyed by unique name.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]*Rule)}
}

// Add registers a rule. Names must be unique.
func (reg *Registry) Add(r *Rule) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rules[r.Name]; exists {
		return &RuleError{Rule: r.Name, Msg: "duplicate rule name"}
	}
	reg.rules[r.Name] = r
	reg.order = append(reg.order, r.Name)
	return nil
}

// Get returns the named rule, or nil.
func (reg *Registry) Get(name string) *Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rules[name]
}

// Has reports whether a rule with name is registered.
func (reg *Registry) Has(name string) bool {
	return reg.Get(name) != nil
}

// All returns the rules in registration order.
func (reg *Registry) All() []*Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Rule, 0, len(reg.order))
	for _, name := range reg.order {
		out = append(out, reg.rules[name])
	}
	return out
}

// Snapshot returns copies of every rule, safe to read while the registry
// keeps changing.
func (reg *Registry) Snapshot() []*Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Rule, 0, len(reg.order))
	for _, name := range reg.order {
		cp := *reg.rules[name]
		cp.Exclusions = make(map[string]struct{}, len(cp.Exclusions))
		for p := range reg.rules[name].Exclusions {
			cp.Exclusions[p] = struct{}{}
		}
		out = append(out, &cp)
	}
	return out
}

// Len returns the number of registered rules.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.order)
}

// Update runs fn with exclusive access to the named rule. Returns false if
// the rule is unknown.
func (reg *Registry) Update(name string, fn func(r *Rule)) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rules[name]
	if !ok {
		return false
	}
	fn(r)
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
