package rules

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings are the global knobs of a rules file.
type Settings struct {
	TagWeight            float64  `yaml:"tag_weight"`
	ContentWeight        float64  `yaml:"content_weight"`
	PathWeight           float64  `yaml:"path_weight"`
	MinStrengthThreshold float64  `yaml:"min_strength_threshold"`
	MaxLinksPerFile      int      `yaml:"max_links_per_file"`
	MaxFileSizeKB        int      `yaml:"max_file_size_kb"`
	Exclude              []string `yaml:"exclude"`
	SectionHeading       string   `yaml:"section_heading"`
}

// DefaultSettings mirrors the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		TagWeight:            0.6,
		ContentWeight:        0.3,
		PathWeight:           0.1,
		MinStrengthThreshold: 0.7,
		MaxLinksPerFile:      10,
		MaxFileSizeKB:        512,
		Exclude:              []string{".git/**", ".obsidian/**", ".trash/**"},
		SectionHeading:       "Related Links",
	}
}

// Weights returns the blend weights declared by the settings.
func (s Settings) Weights() Weights {
	return Weights{Tag: s.TagWeight, Content: s.ContentWeight, Path: s.PathWeight}
}

// Validate checks the global settings. Unlike rule errors these are fatal.
func (s Settings) Validate() error {
	if err := s.Weights().Validate(); err != nil {
		return err
	}
	if s.MinStrengthThreshold < 0 || s.MinStrengthThreshold > 1 {
		return fmt.Errorf("min_strength_threshold %.2f outside [0,1]", s.MinStrengthThreshold)
	}
	if s.MaxLinksPerFile <= 0 {
		return fmt.Errorf("max_links_per_file must be > 0")
	}
	if s.MaxFileSizeKB < 0 {
		return fmt.Errorf("max_file_size_kb must be >= 0")
	}
	return nil
}

// File is a parsed rules file.
type File struct {
	Settings Settings `yaml:"settings"`
	Rules    []*Rule  `yaml:"rules"`
}

// LoadFile reads and parses a rules file. A missing or unparseable file is
// an error; so are invalid settings and duplicate rule names. Individual
// rules that fail validation are not: they are reported by Registry
// construction and skipped.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes rules YAML, filling unspecified settings with defaults.
func Parse(data []byte) (*File, error) {
	f := &File{Settings: DefaultSettings()}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := f.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		if r == nil {
			return nil, fmt.Errorf("rule %d is empty", i)
		}
		if r.Name != "" && seen[r.Name] {
			return nil, &RuleError{Rule: r.Name, Msg: "duplicate rule name"}
		}
		seen[r.Name] = true
	}
	return f, nil
}

// BuildRegistry compiles every rule into a registry. Rules that fail to
// compile are returned alongside, disabled, so callers can log them; they
// never stop the others from loading.
func (f *File) BuildRegistry() (*Registry, []error) {
	reg := NewRegistry()
	var errs []error
	for _, r := range f.Rules {
		if err := r.Compile(); err != nil {
			r.Enabled = false
			errs = append(errs, err)
			if r.Name == "" {
				continue
			}
		}
		if err := reg.Add(r); err != nil {
			errs = append(errs, err)
		}
	}
	return reg, errs
}

// Weights are the blend coefficients for tag, content, and path similarity.
type Weights struct {
	Tag     float64 `json:"tag"`
	Content float64 `json:"content"`
	Path    float64 `json:"path"`
}

// DefaultWeights is 0.6 / 0.3 / 0.1.
func DefaultWeights() Weights {
	return Weights{Tag: 0.6, Content: 0.3, Path: 0.1}
}

// Validate requires non-negative weights summing to 1.0.
func (w Weights) Validate() error {
	if w.Tag < 0 || w.Content < 0 || w.Path < 0 {
		return fmt.Errorf("weights must be non-negative")
	}
	if sum := w.Tag + w.Content + w.Path; math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("weights sum to %.4f, want 1.0", sum)
	}
	return nil
}
