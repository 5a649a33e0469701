// Package engine runs correlation and linking cycles over the corpus and
// exposes them as scheduler task bodies.
package engine

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lazypower/vaultweave/internal/corpus"
	"github.com/lazypower/vaultweave/internal/correlate"
	"github.com/lazypower/vaultweave/internal/discovery"
	"github.com/lazypower/vaultweave/internal/linker"
	"github.com/lazypower/vaultweave/internal/metrics"
	"github.com/lazypower/vaultweave/internal/notify"
	"github.com/lazypower/vaultweave/internal/optimizer"
	"github.com/lazypower/vaultweave/internal/rules"
	"github.com/lazypower/vaultweave/internal/store"
)

// Options wire an Engine. Roots, Indexer and Registry are required; the
// rest may be nil.
type Options struct {
	Roots    discovery.Provider
	Indexer  *corpus.Indexer
	Registry *rules.Registry
	Settings rules.Settings

	DB      *store.DB
	Bus     *notify.Bus
	Metrics *metrics.Metrics
	Logger  *log.Logger

	Correlation     correlate.Options
	SynthesizeRules bool
	Synth           optimizer.SynthOptions
	Workers         int
	Retention       time.Duration
}

// Analysis is the result of the latest correlation pass.
type Analysis struct {
	At           time.Time           `json:"at"`
	Documents    int                 `json:"documents"`
	Correlations []correlate.Score   `json:"correlations"`
	Patterns     []correlate.Pattern `json:"patterns"`
}

// Engine orchestrates indexing, correlation, rule matching, link
// application, and rule optimization.
type Engine struct {
	roots    discovery.Provider
	indexer  *corpus.Indexer
	reg      *rules.Registry
	calc     *rules.Calculator
	opt      *optimizer.Optimizer
	applier  *linker.Applier
	preview  *linker.Applier
	db       *store.DB
	bus      *notify.Bus
	metrics  *metrics.Metrics
	logger   *log.Logger
	corrOpts correlate.Options

	synthesize bool
	synthOpts  optimizer.SynthOptions
	retention  time.Duration

	cycleMu  sync.Mutex
	analysis atomic.Pointer[Analysis]
}

// New creates a new Engine.
func New(opts Options) (*Engine, error) {
	if opts.Roots == nil || opts.Indexer == nil || opts.Registry == nil {
		return nil, fmt.Errorf("engine: roots, indexer and registry are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	calc, err := rules.NewCalculator(opts.Settings)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	// Typed nil pointers must not leak into the interfaces below.
	var (
		ledger linker.Ledger
		state  optimizer.Store
	)
	if opts.DB != nil {
		ledger = opts.DB
		state = opts.DB
	}

	e := &Engine{
		roots:      opts.Roots,
		indexer:    opts.Indexer,
		reg:        opts.Registry,
		calc:       calc,
		opt:        optimizer.New(opts.Registry, state, opts.Logger),
		db:         opts.DB,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		corrOpts:   opts.Correlation,
		synthesize: opts.SynthesizeRules,
		synthOpts:  opts.Synth,
		retention:  opts.Retention,
	}
	e.applier = linker.New(linker.Options{
		Heading: opts.Settings.SectionHeading,
		Workers: opts.Workers,
		Ledger:  ledger,
		Logger:  opts.Logger,
	})
	e.preview = linker.New(linker.Options{
		Heading: opts.Settings.SectionHeading,
		DryRun:  true,
		Workers: opts.Workers,
		Ledger:  ledger,
		Logger:  opts.Logger,
	})
	return e, nil
}

// LoadState re-registers persisted generated rules and applies learned
// multipliers and exclusions. State for rules that no longer exist is
// ignored.
func (e *Engine) LoadState() error {
	if e.db == nil {
		return nil
	}
	states, err := e.db.ListRuleStates()
	if err != nil {
		return fmt.Errorf("load rule state: %w", err)
	}

	restored := 0
	for _, s := range states {
		if s.Generated && s.Definition != "" && !e.reg.Has(s.Rule) {
			var r rules.Rule
			if err := json.Unmarshal([]byte(s.Definition), &r); err != nil {
				e.logger.Printf("engine: generated rule %s: %v", s.Rule, err)
				continue
			}
			r.Generated = true
			if err := r.Compile(); err != nil {
				e.logger.Printf("engine: generated rule %s: %v", s.Rule, err)
				continue
			}
			if err := e.reg.Add(&r); err != nil {
				e.logger.Printf("engine: generated rule %s: %v", s.Rule, err)
				continue
			}
		}
		if e.opt.Restore(s.Rule, s.Multiplier, s.Exclusions) {
			restored++
		}
	}
	if restored > 0 {
		e.logger.Printf("engine: restored learned state for %d rules", restored)
	}
	return nil
}

// Registry returns the live rule registry.
func (e *Engine) Registry() *rules.Registry {
	return e.reg
}

// Snapshot returns the current corpus index.
func (e *Engine) Snapshot() *corpus.Snapshot {
	return e.indexer.Current()
}

// Analysis returns the latest correlation pass, or nil before the first.
func (e *Engine) Analysis() *Analysis {
	return e.analysis.Load()
}
