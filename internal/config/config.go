package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"ranksheet-engine/internal/logging"
	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/resilience"
)

// Period granularities for scheduled refreshes.
const (
	GranularityDaily  = "daily"
	GranularityWeekly = "weekly"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig                 `mapstructure:"app"`
	Logging     logging.Config            `mapstructure:"logging"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Provider    ProviderConfig            `mapstructure:"provider"`
	Breaker     resilience.BreakerOptions `mapstructure:"breaker"`
	RateLimit   RateLimitConfig           `mapstructure:"ratelimit"`
	Idempotency IdempotencyConfig         `mapstructure:"idempotency"`
	Jobs        JobsConfig                `mapstructure:"jobs"`
	Scoring     ranksheet.Weights         `mapstructure:"scoring"`
	Readiness   ReadinessConfig           `mapstructure:"readiness"`
	Trend       TrendConfig               `mapstructure:"trend"`
	Scheduler   SchedulerConfig           `mapstructure:"scheduler"`
	Alerting    AlertingConfig            `mapstructure:"alerting"`
	Server      ServerConfig              `mapstructure:"server"`
	Export      ExportConfig              `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory backend.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	LockNamespace   int32         `mapstructure:"lock_namespace"`
	// LockConns sizes the separate pool whose connections hold keyword
	// advisory locks. Zero means jobs.max_concurrency.
	LockConns int `mapstructure:"lock_conns"`
}

// ProviderConfig captures the analytics provider connectivity.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Marketplace       string        `mapstructure:"marketplace"`
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// RateLimitConfig sets per-action request allowances.
type RateLimitConfig struct {
	Default resilience.Limit            `mapstructure:"default"`
	Actions map[string]resilience.Limit `mapstructure:"actions"`
}

// IdempotencyConfig controls replay retention.
type IdempotencyConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}

// JobsConfig governs the orchestrator.
type JobsConfig struct {
	DefaultConcurrency int           `mapstructure:"default_concurrency"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	Retention          time.Duration `mapstructure:"retention"`
	PeriodGranularity  string        `mapstructure:"period_granularity"`
	PeriodLagDays      int           `mapstructure:"period_lag_days"`
}

// ReadinessConfig sets the readiness window and level ratios.
type ReadinessConfig struct {
	TopK                          int `mapstructure:"top_k"`
	ranksheet.ReadinessThresholds `mapstructure:",squash"`
}

// TrendConfig sets trend query defaults.
type TrendConfig struct {
	Top     int `mapstructure:"top"`
	Periods int `mapstructure:"periods"`
}

// SchedulerConfig governs the refresh cadence of the run command.
type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	AlignToBucket  bool          `mapstructure:"align_to_bucket"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
	RunImmediately bool          `mapstructure:"run_immediately"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	NotifyReadiness bool           `mapstructure:"notify_readiness"`
	NotifyBreakers  bool           `mapstructure:"notify_breakers"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxPeriods int `mapstructure:"max_periods"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKSHEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Database.LockConns == 0 {
		cfg.Database.LockConns = cfg.Jobs.MaxConcurrency
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ranksheet")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// keys without a default are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.lock_namespace", int32(0x52534b))
	v.SetDefault("database.lock_conns", 0)

	v.SetDefault("provider.base_url", "http://localhost:8081")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.marketplace", "US")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("provider.user_agent", "ranksheet/1.0")
	v.SetDefault("provider.requests_per_second", 5.0)
	v.SetDefault("provider.burst", 5)

	breaker := resilience.DefaultBreakerOptions()
	v.SetDefault("breaker.timeout", breaker.Timeout)
	v.SetDefault("breaker.error_threshold_pct", breaker.ErrorThresholdPct)
	v.SetDefault("breaker.min_volume", breaker.MinVolume)
	v.SetDefault("breaker.window", breaker.Window)
	v.SetDefault("breaker.buckets", breaker.Buckets)
	v.SetDefault("breaker.reset_timeout", breaker.ResetTimeout)

	v.SetDefault("ratelimit.default.requests", 60)
	v.SetDefault("ratelimit.default.window", "1m")
	v.SetDefault("ratelimit.actions", map[string]any{
		"refresh_all":     map[string]any{"requests": 2, "window": "1m"},
		"refresh_keyword": map[string]any{"requests": 20, "window": "1m"},
	})

	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.pending_ttl", "2m")

	v.SetDefault("jobs.default_concurrency", 4)
	v.SetDefault("jobs.max_concurrency", 16)
	v.SetDefault("jobs.retention", "24h")
	v.SetDefault("jobs.period_granularity", GranularityWeekly)
	v.SetDefault("jobs.period_lag_days", 2)

	weights := ranksheet.DefaultWeights()
	v.SetDefault("scoring.market_share_weight", weights.MarketShare)
	v.SetDefault("scoring.buyer_trust_weight", weights.BuyerTrust)
	v.SetDefault("scoring.trend_step", weights.TrendStep)
	v.SetDefault("scoring.trend_cap", weights.TrendCap)
	v.SetDefault("scoring.strong_trend_delta", weights.StrongTrendDelta)

	thresholds := ranksheet.DefaultReadinessThresholds()
	v.SetDefault("readiness.top_k", 10)
	v.SetDefault("readiness.full_ratio", thresholds.FullRatio)
	v.SetDefault("readiness.critical_ratio", thresholds.CriticalRatio)

	v.SetDefault("trend.top", 10)
	v.SetDefault("trend.periods", 12)

	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", false)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.notify_readiness", true)
	v.SetDefault("alerting.notify_breakers", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("export.max_periods", 52)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Jobs.DefaultConcurrency <= 0 {
		return fmt.Errorf("jobs.default_concurrency must be greater than zero")
	}
	if c.Jobs.MaxConcurrency < c.Jobs.DefaultConcurrency {
		return fmt.Errorf("jobs.max_concurrency must be at least jobs.default_concurrency")
	}
	if c.Database.MaxOpenConns < 0 || c.Database.LockConns < 0 {
		return fmt.Errorf("database.max_open_conns and database.lock_conns cannot be negative")
	}
	switch c.Jobs.PeriodGranularity {
	case GranularityDaily, GranularityWeekly:
	default:
		return fmt.Errorf("jobs.period_granularity must be %q or %q", GranularityDaily, GranularityWeekly)
	}
	if c.Jobs.PeriodLagDays < 0 {
		return fmt.Errorf("jobs.period_lag_days cannot be negative")
	}
	if c.Readiness.TopK <= 0 {
		return fmt.Errorf("readiness.top_k must be greater than zero")
	}
	if c.Readiness.CriticalRatio < 0 || c.Readiness.FullRatio > 1 || c.Readiness.CriticalRatio > c.Readiness.FullRatio {
		return fmt.Errorf("readiness ratios must satisfy 0 <= critical_ratio <= full_ratio <= 1")
	}
	if c.Scoring.MarketShare < 0 || c.Scoring.BuyerTrust < 0 {
		return fmt.Errorf("scoring weights cannot be negative")
	}
	if c.Breaker.ErrorThresholdPct <= 0 || c.Breaker.ErrorThresholdPct > 100 {
		return fmt.Errorf("breaker.error_threshold_pct must be in (0, 100]")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxPeriods <= 0 {
		return fmt.Errorf("export.max_periods must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveConcurrency clamps a requested job concurrency to the configured bounds.
func (c *Config) ResolveConcurrency(requested int) int {
	if requested <= 0 {
		return c.Jobs.DefaultConcurrency
	}
	if requested > c.Jobs.MaxConcurrency {
		return c.Jobs.MaxConcurrency
	}
	return requested
}

// ResolveMaxPeriods returns either the CLI override or config default.
func (c *Config) ResolveMaxPeriods(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxPeriods
}
