package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/lazypower/vaultweave/internal/config"
	"github.com/lazypower/vaultweave/internal/corpus"
	"github.com/lazypower/vaultweave/internal/correlate"
	"github.com/lazypower/vaultweave/internal/discovery"
	"github.com/lazypower/vaultweave/internal/engine"
	"github.com/lazypower/vaultweave/internal/linker"
	"github.com/lazypower/vaultweave/internal/metrics"
	"github.com/lazypower/vaultweave/internal/notify"
	"github.com/lazypower/vaultweave/internal/optimizer"
	"github.com/lazypower/vaultweave/internal/rules"
	"github.com/lazypower/vaultweave/internal/store"
)

// app holds the components shared by the commands that touch the corpus.
type app struct {
	cfg     config.Config
	db      *store.DB
	rules   *rules.File
	engine  *engine.Engine
	bus     *notify.Bus
	metrics *metrics.Metrics
	logger  *log.Logger
}

// Close flushes pending notifications and closes the database.
func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// openDB opens the configured database, or ~/.vaultweave/vaultweave.db.
func openDB(cfg config.Config) (*store.DB, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func loadRules(cfg config.Config) (*rules.File, error) {
	path, err := config.ResolvePath(cfg.RulesFile, "rules.yaml")
	if err != nil {
		return nil, err
	}
	return rules.LoadFile(path)
}

func rootsProvider(cfg config.Config) (discovery.Provider, error) {
	var providers discovery.Multi
	if len(cfg.Corpus.Roots) > 0 {
		providers = append(providers, discovery.Static(cfg.Corpus.Roots))
	}
	if len(cfg.Corpus.SearchPaths) > 0 {
		providers = append(providers, discovery.MarkerProvider{
			SearchPaths: cfg.Corpus.SearchPaths,
			Marker:      cfg.Corpus.Marker,
			MaxDepth:    cfg.Corpus.MaxDepth,
		})
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no corpus configured: set corpus.roots or corpus.search_paths")
	}
	return providers, nil
}

func newBus(cfg config.Config, logger *log.Logger) *notify.Bus {
	var sinks []notify.Sink
	if cfg.Notify.Log {
		sinks = append(sinks, notify.LogSink{Logger: logger})
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.Timeout))
	}
	if len(sinks) == 0 {
		return nil
	}
	return notify.NewBus(0, logger, sinks...)
}

// newApp loads configuration and rules and wires the engine. withMetrics
// registers Prometheus collectors for long-running processes.
func newApp(withMetrics bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)

	f, err := loadRules(cfg)
	if err != nil {
		return nil, err
	}
	reg, errs := f.BuildRegistry()
	for _, err := range errs {
		logger.Printf("rules: skipping rule: %v", err)
	}

	roots, err := rootsProvider(cfg)
	if err != nil {
		return nil, err
	}

	ix, err := corpus.NewIndexer(corpus.Policy{
		MaxFileSize: int64(f.Settings.MaxFileSizeKB) * 1024,
		Exclude:     f.Settings.Exclude,
		Extensions:  cfg.Corpus.Extensions,
		Filter:      linker.ContentFilter(f.Settings.SectionHeading),
	}, logger)
	if err != nil {
		return nil, err
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, rules: f, logger: logger}
	a.bus = newBus(cfg, logger)
	if withMetrics {
		a.metrics = metrics.New()
	}

	a.engine, err = engine.New(engine.Options{
		Roots:    roots,
		Indexer:  ix,
		Registry: reg,
		Settings: f.Settings,
		DB:       db,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Logger:   logger,
		Correlation: correlate.Options{
			MinFrequency: cfg.Correlation.MinFrequency,
			Threshold:    cfg.Correlation.Threshold,
		},
		SynthesizeRules: cfg.Optimizer.SynthesizeRules,
		Synth: optimizer.SynthOptions{
			MinConfidence: cfg.Optimizer.MinConfidence,
			MaxPerCycle:   cfg.Optimizer.MaxRulesPerCycle,
		},
		Workers: cfg.Linker.Workers,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.engine.LoadState(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
