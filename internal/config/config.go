// Package config loads application configuration from file, environment,
// and defaults, and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Limits       LimitsConfig       `yaml:"limits" mapstructure:"limits"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Match        MatchConfig        `yaml:"match" mapstructure:"match"`
	Synth        SynthConfig        `yaml:"synth" mapstructure:"synth"`
	Strategies   StrategiesConfig   `yaml:"strategies" mapstructure:"strategies"`
}

// StoreConfig configures the job ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory, sqlite, postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LimitsConfig configures the per-target rate limiter.
type LimitsConfig struct {
	MaxConcurrentPerTarget     int     `yaml:"max_concurrent_per_target" mapstructure:"max_concurrent_per_target"`
	RequestsPerSecondPerTarget float64 `yaml:"requests_per_second_per_target" mapstructure:"requests_per_second_per_target"`
}

// RetryConfig configures the retry executor.
type RetryConfig struct {
	MaxAttempts        int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMS        int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMS         int `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	RequestTimeoutSecs int `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	TTLHours   int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
}

// OrchestratorConfig bounds job execution.
type OrchestratorConfig struct {
	MaxStrategiesPerJob   int `yaml:"max_strategies_per_job" mapstructure:"max_strategies_per_job"`
	MaxJobDurationSecs    int `yaml:"max_job_duration_secs" mapstructure:"max_job_duration_secs"`
	MaxParallelStrategies int `yaml:"max_parallel_strategies" mapstructure:"max_parallel_strategies"`
	CoverageThreshold     int `yaml:"coverage_threshold" mapstructure:"coverage_threshold"`
}

// MaxJobDuration returns the duration form of the configured budget.
func (c OrchestratorConfig) MaxJobDuration() time.Duration {
	return time.Duration(c.MaxJobDurationSecs) * time.Second
}

// MatchConfig configures entity matching.
type MatchConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
}

// SynthConfig configures field merging.
type SynthConfig struct {
	SourcePriorityOrder []string `yaml:"source_priority_order" mapstructure:"source_priority_order"`
	RequiredFields      []string `yaml:"required_fields" mapstructure:"required_fields"`
}

// StrategiesConfig selects where strategies come from.
type StrategiesConfig struct {
	FixturePath string `yaml:"fixture_path" mapstructure:"fixture_path"`
}

// Validate checks that the configuration is internally consistent and that
// the selected store driver has what it needs.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return eris.New("config: store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Match.FuzzyThreshold < 0 || c.Match.FuzzyThreshold > 1 {
		return eris.Errorf("config: match.fuzzy_threshold %v out of range [0,1]", c.Match.FuzzyThreshold)
	}
	if c.Orchestrator.CoverageThreshold < 0 || c.Orchestrator.CoverageThreshold > 100 {
		return eris.Errorf("config: orchestrator.coverage_threshold %d out of range [0,100]", c.Orchestrator.CoverageThreshold)
	}
	if c.Limits.MaxConcurrentPerTarget <= 0 {
		return eris.New("config: limits.max_concurrent_per_target must be positive")
	}
	return nil
}

// Load reads configuration from config.yaml, RESEARCH_* environment
// variables, and defaults, in ascending precedence.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "research-engine.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("limits.max_concurrent_per_target", 3)
	v.SetDefault("limits.requests_per_second_per_target", 2.0)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.request_timeout_secs", 30)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.max_entries", 4096)
	v.SetDefault("orchestrator.max_strategies_per_job", 5)
	v.SetDefault("orchestrator.max_job_duration_secs", 300)
	v.SetDefault("orchestrator.max_parallel_strategies", 3)
	v.SetDefault("orchestrator.coverage_threshold", 80)
	v.SetDefault("match.fuzzy_threshold", 0.85)
	v.SetDefault("synth.source_priority_order", []string{
		"regulatory-filing", "official-primary", "structured-registry",
		"first-party", "press-news", "inferred",
	})
	v.SetDefault("synth.required_fields", []string{
		"name", "website", "description", "aum", "entity_type", "location",
	})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
