package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all vaultweave configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Corpus      CorpusConfig      `mapstructure:"corpus"`
	RulesFile   string            `mapstructure:"rules_file"`
	TasksFile   string            `mapstructure:"tasks_file"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Linker      LinkerConfig      `mapstructure:"linker"`
	Optimizer   OptimizerConfig   `mapstructure:"optimizer"`
	Notify      NotifyConfig      `mapstructure:"notify"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CorpusConfig selects the roots to index. Roots are used as given;
// SearchPaths are scanned for directories containing Marker.
type CorpusConfig struct {
	Roots       []string `mapstructure:"roots"`
	SearchPaths []string `mapstructure:"search_paths"`
	Marker      string   `mapstructure:"marker"`
	MaxDepth    int      `mapstructure:"max_depth"`
	Extensions  []string `mapstructure:"extensions"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	Retention    time.Duration `mapstructure:"retention"`
}

type CorrelationConfig struct {
	MinFrequency int     `mapstructure:"min_frequency"`
	Threshold    float64 `mapstructure:"threshold"`
}

type LinkerConfig struct {
	Workers int `mapstructure:"workers"`
}

type OptimizerConfig struct {
	SynthesizeRules  bool    `mapstructure:"synthesize_rules"`
	MinConfidence    float64 `mapstructure:"min_confidence"`
	MaxRulesPerCycle int     `mapstructure:"max_rules_per_cycle"`
}

type NotifyConfig struct {
	Log        bool          `mapstructure:"log"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Corpus: CorpusConfig{
			Marker:     ".obsidian",
			MaxDepth:   4,
			Extensions: []string{".md", ".markdown", ".txt"},
		},
		RulesFile: "", // resolved at runtime via ResolvePath("rules.yaml")
		TasksFile: "",
		Scheduler: SchedulerConfig{
			TickInterval: 30 * time.Second,
			StartupDelay: 5 * time.Minute,
			Retention:    24 * time.Hour,
		},
		Correlation: CorrelationConfig{
			MinFrequency: 3,
			Threshold:    0.7,
		},
		Linker: LinkerConfig{
			Workers: 4,
		},
		Optimizer: OptimizerConfig{
			SynthesizeRules:  false,
			MinConfidence:    0.8,
			MaxRulesPerCycle: 5,
		},
		Notify: NotifyConfig{
			Log:     true,
			Timeout: 5 * time.Second,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Dir returns ~/.vaultweave.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".vaultweave"), nil
}

// ResolvePath returns p, or name inside ~/.vaultweave when p is empty.
func ResolvePath(p, name string) (string, error) {
	if p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Load reads configuration from path, or from config.{yaml,toml,json} in
// ~/.vaultweave or the working directory when path is empty. A missing
// file is only an error when path was given. VAULTWEAVE_* environment
// variables override file values, e.g. VAULTWEAVE_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path == "" {
		v.SetConfigName("config")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("VAULTWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.StartupDelay < 0 {
		return fmt.Errorf("scheduler.startup_delay cannot be negative")
	}
	if c.Correlation.Threshold < 0 || c.Correlation.Threshold > 1 {
		return fmt.Errorf("correlation.threshold must be in [0,1], got %v", c.Correlation.Threshold)
	}
	if c.Optimizer.MinConfidence < 0 || c.Optimizer.MinConfidence > 1 {
		return fmt.Errorf("optimizer.min_confidence must be in [0,1], got %v", c.Optimizer.MinConfidence)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("corpus.roots", d.Corpus.Roots)
	v.SetDefault("corpus.search_paths", d.Corpus.SearchPaths)
	v.SetDefault("corpus.marker", d.Corpus.Marker)
	v.SetDefault("corpus.max_depth", d.Corpus.MaxDepth)
	v.SetDefault("corpus.extensions", d.Corpus.Extensions)
	v.SetDefault("rules_file", d.RulesFile)
	v.SetDefault("tasks_file", d.TasksFile)
	v.SetDefault("scheduler.tick_interval", d.Scheduler.TickInterval)
	v.SetDefault("scheduler.startup_delay", d.Scheduler.StartupDelay)
	v.SetDefault("scheduler.retention", d.Scheduler.Retention)
	v.SetDefault("correlation.min_frequency", d.Correlation.MinFrequency)
	v.SetDefault("correlation.threshold", d.Correlation.Threshold)
	v.SetDefault("linker.workers", d.Linker.Workers)
	v.SetDefault("optimizer.synthesize_rules", d.Optimizer.SynthesizeRules)
	v.SetDefault("optimizer.min_confidence", d.Optimizer.MinConfidence)
	v.SetDefault("optimizer.max_rules_per_cycle", d.Optimizer.MaxRulesPerCycle)
	v.SetDefault("notify.log", d.Notify.Log)
	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
}
