// Package config loads the harvest-cli configuration via viper and
// initializes the global zap logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Stages    StagesConfig    `yaml:"stages" mapstructure:"stages"`
	Runner    RunnerConfig    `yaml:"runner" mapstructure:"runner"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Plan      PlanConfig      `yaml:"plan" mapstructure:"plan"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Notion    NotionConfig    `yaml:"notion" mapstructure:"notion"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RegistryConfig configures the external business registry client.
type RegistryConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-request timeout.
func (c RegistryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// IdentitySeed is one configured outbound identity: a proxy endpoint plus
// the user agent presented through it.
type IdentitySeed struct {
	Label     string `yaml:"label" mapstructure:"label"`
	ProxyURL  string `yaml:"proxy_url" mapstructure:"proxy_url"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// SessionConfig configures the network identity pool.
type SessionConfig struct {
	Identities         []IdentitySeed `yaml:"identities" mapstructure:"identities"`
	RotateAfter        int            `yaml:"rotate_after" mapstructure:"rotate_after"`
	CooldownSecs       int            `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	AcquireTimeoutSecs int            `yaml:"acquire_timeout_secs" mapstructure:"acquire_timeout_secs"`
}

// Cooldown returns the rest period after rotation.
func (c SessionConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// AcquireTimeout returns how long Acquire blocks before giving up.
func (c SessionConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSecs) * time.Second
}

// StageConfig tunes one stage's worker pool and throttle.
type StageConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	IntervalMS  int `yaml:"interval_ms" mapstructure:"interval_ms"` // per-token spacing
	Burst       int `yaml:"burst" mapstructure:"burst"`
}

// Interval returns the configured per-token interval.
func (c StageConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// StagesConfig holds the per-stage tuning knobs.
type StagesConfig struct {
	Segment   StageConfig `yaml:"segment" mapstructure:"segment"`
	Resolve   StageConfig `yaml:"resolve" mapstructure:"resolve"`
	Financial StageConfig `yaml:"financial" mapstructure:"financial"`
}

// RunnerConfig tunes the stage pipeline runner.
type RunnerConfig struct {
	BatchSize      int `yaml:"batch_size" mapstructure:"batch_size"`
	StaleAfterSecs int `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	SweepSecs      int `yaml:"sweep_secs" mapstructure:"sweep_secs"` // stale-reclaim ticker cadence
	CooldownSecs   int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// StaleAfter returns the in-flight staleness threshold.
func (c RunnerConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSecs) * time.Second
}

// SweepEvery returns the reclaim sweep cadence.
func (c RunnerConfig) SweepEvery() time.Duration {
	return time.Duration(c.SweepSecs) * time.Second
}

// Cooldown returns the throttle cool-down window after a rate-limit event.
func (c RunnerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// RetryConfig tunes the per-unit retry policy.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
}

// PlanConfig bounds segment plan validation.
type PlanConfig struct {
	MaxSegments    int `yaml:"max_segments" mapstructure:"max_segments"`
	MaxPages       int `yaml:"max_pages" mapstructure:"max_pages"` // per segment
	MinFiscalYear  int `yaml:"min_fiscal_year" mapstructure:"min_fiscal_year"`
	MaxFiscalSpan  int `yaml:"max_fiscal_span" mapstructure:"max_fiscal_span"`
}

// MonitoringConfig tunes the metrics collector and alert checker.
type MonitoringConfig struct {
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleUnitThreshold   int     `yaml:"stale_unit_threshold" mapstructure:"stale_unit_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// CheckInterval returns the alert check cadence.
func (c MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSecs) * time.Second
}

// NotionConfig holds the review-queue integration settings.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// AnthropicConfig holds the financial-summary integration settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Addr       string   `yaml:"addr" mapstructure:"addr"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Concurrency bounds per stage. Plans may override within these ranges.
var concurrencyBounds = map[string][2]int{
	"segment":   {10, 20},
	"resolve":   {20, 30},
	"financial": {30, 40},
}

// ConcurrencyBounds returns the allowed worker range for a stage.
func ConcurrencyBounds(stage string) (min, max int, ok bool) {
	b, ok := concurrencyBounds[stage]
	return b[0], b[1], ok
}

// Load reads configuration from config.yaml and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.harvest-cli")

	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("registry.timeout_secs", 30)
	v.SetDefault("session.rotate_after", 200)
	v.SetDefault("session.cooldown_secs", 120)
	v.SetDefault("session.acquire_timeout_secs", 30)
	v.SetDefault("stages.segment.concurrency", 12)
	v.SetDefault("stages.segment.interval_ms", 250)
	v.SetDefault("stages.segment.burst", 4)
	v.SetDefault("stages.resolve.concurrency", 24)
	v.SetDefault("stages.resolve.interval_ms", 120)
	v.SetDefault("stages.resolve.burst", 8)
	v.SetDefault("stages.financial.concurrency", 32)
	v.SetDefault("stages.financial.interval_ms", 80)
	v.SetDefault("stages.financial.burst", 8)
	v.SetDefault("runner.batch_size", 100)
	v.SetDefault("runner.stale_after_secs", 600)
	v.SetDefault("runner.sweep_secs", 120)
	v.SetDefault("runner.cooldown_secs", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_secs", 30)
	v.SetDefault("plan.max_segments", 5000)
	v.SetDefault("plan.max_pages", 500)
	v.SetDefault("plan.min_fiscal_year", 2000)
	v.SetDefault("plan.max_fiscal_span", 10)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.stale_unit_threshold", 25)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the tunable ranges the engine depends on.
func (c *Config) Validate() error {
	stages := map[string]StageConfig{
		"segment":   c.Stages.Segment,
		"resolve":   c.Stages.Resolve,
		"financial": c.Stages.Financial,
	}
	for name, sc := range stages {
		bounds := concurrencyBounds[name]
		if sc.Concurrency < bounds[0] || sc.Concurrency > bounds[1] {
			return eris.New(fmt.Sprintf(
				"config: stages.%s.concurrency %d outside allowed range %d-%d",
				name, sc.Concurrency, bounds[0], bounds[1]))
		}
		if sc.IntervalMS <= 0 {
			return eris.New(fmt.Sprintf("config: stages.%s.interval_ms must be positive", name))
		}
	}
	if c.Runner.BatchSize <= 0 {
		return eris.New("config: runner.batch_size must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return eris.New("config: retry.max_attempts must be positive")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.New(fmt.Sprintf("config: unknown store driver %q", c.Store.Driver))
	}
	return nil
}

// StageFor returns the tuning block for the named stage.
func (c *Config) StageFor(stage string) StageConfig {
	switch stage {
	case "resolve":
		return c.Stages.Resolve
	case "financial":
		return c.Stages.Financial
	default:
		return c.Stages.Segment
	}
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
