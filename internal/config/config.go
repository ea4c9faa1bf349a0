package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"gasguard/internal/logging"
)

// Config materialises application configuration. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Price     PriceConfig     `mapstructure:"price"`
	History   HistoryConfig   `mapstructure:"history"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig covers the redis cache/queue backend.
type CacheConfig struct {
	URL         string        `mapstructure:"url"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
	RetryAfter  time.Duration `mapstructure:"retry_after"`
	PoolSize    int           `mapstructure:"pool_size"`

	// Enabled is resolved once by Load from URL.
	Enabled bool `mapstructure:"-"`
}

// SchedulerConfig governs the recurring jobs.
type SchedulerConfig struct {
	Backend             string        `mapstructure:"backend"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	AlertInterval       time.Duration `mapstructure:"alert_interval"`
	HistoryInterval     time.Duration `mapstructure:"history_interval"`
	LeaderboardInterval time.Duration `mapstructure:"leaderboard_interval"`
	PruneInterval       time.Duration `mapstructure:"prune_interval"`
	TrainHour           int           `mapstructure:"train_hour"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`
	RetryLimit          int           `mapstructure:"retry_limit"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	Workers             int           `mapstructure:"workers"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
}

// ChainConfig covers on-chain data access.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	GasUnits       uint64        `mapstructure:"gas_units"`
	BlockTime      time.Duration `mapstructure:"block_time"`
	HistoryBlocks  uint64        `mapstructure:"history_blocks"`
}

// MonitorConfig describes the local near-real-time monitor file.
type MonitorConfig struct {
	Path       string        `mapstructure:"path"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	APIURL     string        `mapstructure:"api_url"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PriceConfig covers the market-data oracle.
type PriceConfig struct {
	OracleAddress string        `mapstructure:"oracle_address"`
	Feed          string        `mapstructure:"feed"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	FallbackValue float64       `mapstructure:"fallback_value"`
}

// HistoryConfig covers historical data sources.
type HistoryConfig struct {
	LookbackDays int               `mapstructure:"lookback_days"`
	TrendWindow  time.Duration     `mapstructure:"trend_window"`
	CrossChain   map[string]string `mapstructure:"cross_chain"`
}

// PolicyConfig holds the tunable decision thresholds.
type PolicyConfig struct {
	LowFee          float64       `mapstructure:"low_fee"`
	HighFee         float64       `mapstructure:"high_fee"`
	FallbackHighFee float64       `mapstructure:"fallback_high_fee"`
	HighCongestion  int           `mapstructure:"high_congestion"`
	SavingsPct      float64       `mapstructure:"savings_pct"`
	TargetRatio     float64       `mapstructure:"target_ratio"`
	WaitWindow      time.Duration `mapstructure:"wait_window"`
	WaitConfidence  int           `mapstructure:"wait_confidence"`
}

// ReasoningConfig describes the external reasoning service.
type ReasoningConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// AlertingConfig defines alert rules and routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Retention time.Duration  `mapstructure:"retention"`
	Channels  []string       `mapstructure:"channels"`
	Rules     []AlertRule    `mapstructure:"rules"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// AlertRule fires when the current fee crosses a bound.
type AlertRule struct {
	Name      string   `mapstructure:"name"`
	BelowGwei float64  `mapstructure:"below_gwei"`
	AboveGwei float64  `mapstructure:"above_gwei"`
	Channels  []string `mapstructure:"channels"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GASGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("cache.url", "GASGUARD_CACHE_URL", "REDIS_URL")
	_ = v.BindEnv("reasoning.api_key", "GASGUARD_REASONING_API_KEY", "OPENAI_API_KEY")

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
	cfg.Cache.Enabled = CacheEnabled(cfg.Cache.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		panic("default config: " + err.Error())
	}
	return &cfg
}

// CacheEnabled reports whether a cache URL designates a usable backend.
// Empty values, explicit off switches and the stock localhost default all
// mean "run without cache".
func CacheEnabled(url string) bool {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return false
	}
	switch strings.ToLower(trimmed) {
	case "false", "no", "off", "disabled", "none", "redis://localhost:6379":
		return false
	}
	return true
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
	v.SetDefault("app.name", "gasguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.url", "")
	v.SetDefault("cache.key_prefix", "gasguard")
	v.SetDefault("cache.dial_timeout", "2s")
	v.SetDefault("cache.op_timeout", "1s")
	v.SetDefault("cache.retry_after", "5s")
	v.SetDefault("cache.pool_size", 10)

	v.SetDefault("scheduler.backend", "redis")
	v.SetDefault("scheduler.poll_interval", "12s")
	v.SetDefault("scheduler.alert_interval", "12s")
	v.SetDefault("scheduler.history_interval", "1h")
	v.SetDefault("scheduler.leaderboard_interval", "5m")
	v.SetDefault("scheduler.prune_interval", "24h")
	v.SetDefault("scheduler.train_hour", 2)
	v.SetDefault("scheduler.task_timeout", "30s")
	v.SetDefault("scheduler.retry_limit", 3)
	v.SetDefault("scheduler.retry_delay", "5s")
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x67617367))

	v.SetDefault("chain.rpc_url", "https://coston2-api.flare.network/ext/C/rpc")
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.gas_units", 21000)
	v.SetDefault("chain.block_time", "2s")
	v.SetDefault("chain.history_blocks", 1024)

	v.SetDefault("monitor.path", "gas_monitor_data.json")
	v.SetDefault("monitor.max_age", "60s")
	v.SetDefault("monitor.api_url", "https://gas.api.cx.metamask.io/networks/1/suggestedGasFees")
	v.SetDefault("monitor.interval", "1s")
	v.SetDefault("monitor.max_retries", 3)
	v.SetDefault("monitor.timeout", "10s")

	v.SetDefault("price.oracle_address", "0x1000000000000000000000000000000000000003")
	v.SetDefault("price.feed", "FLR/USD")
	v.SetDefault("price.max_age", "120s")
	v.SetDefault("price.fallback_value", 0.025)

	v.SetDefault("history.lookback_days", 30)
	v.SetDefault("history.trend_window", "1h")

	v.SetDefault("policy.low_fee", 20.0)
	v.SetDefault("policy.high_fee", 40.0)
	v.SetDefault("policy.fallback_high_fee", 30.0)
	v.SetDefault("policy.high_congestion", 70)
	v.SetDefault("policy.savings_pct", 40.0)
	v.SetDefault("policy.target_ratio", 0.7)
	v.SetDefault("policy.wait_window", "2h")
	v.SetDefault("policy.wait_confidence", 60)

	v.SetDefault("reasoning.timeout", "20s")
	v.SetDefault("reasoning.cache_ttl", "30s")
	v.SetDefault("reasoning.temperature", 0.7)
	v.SetDefault("reasoning.max_tokens", 1000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("export.max_data_points", 5000)
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
	p := c.Policy
	if p.LowFee < 0 || p.HighFee <= 0 {
		return fmt.Errorf("policy.low_fee and policy.high_fee must be positive")
	}
	if p.LowFee >= p.HighFee {
		return fmt.Errorf("policy.low_fee must be below policy.high_fee")
	}
	if p.HighCongestion < 0 || p.HighCongestion > 100 {
		return fmt.Errorf("policy.high_congestion must be within 0-100")
	}
	if p.TargetRatio <= 0 || p.TargetRatio > 1 {
		return fmt.Errorf("policy.target_ratio must be within (0,1]")
	}
	if c.Monitor.MaxAge <= 0 {
		return fmt.Errorf("monitor.max_age must be greater than zero")
	}
	if c.Price.MaxAge <= 0 {
		return fmt.Errorf("price.max_age must be greater than zero")
	}
	if c.Price.FallbackValue <= 0 {
		return fmt.Errorf("price.fallback_value must be greater than zero")
	}
	if c.Chain.GasUnits == 0 {
		return fmt.Errorf("chain.gas_units must be greater than zero")
	}
	if c.History.LookbackDays <= 0 {
		return fmt.Errorf("history.lookback_days must be greater than zero")
	}
	if c.Scheduler.TrainHour < 0 || c.Scheduler.TrainHour > 23 {
		return fmt.Errorf("scheduler.train_hour must be within 0-23")
	}
	if c.Scheduler.PollInterval <= 0 || c.Scheduler.AlertInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	switch c.Scheduler.Backend {
	case "redis", "local":
	default:
		return fmt.Errorf("scheduler.backend must be redis or local, got %q", c.Scheduler.Backend)
	}
	if c.Reasoning.CacheTTL <= 0 {
		return fmt.Errorf("reasoning.cache_ttl must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Retention < 0 {
		return fmt.Errorf("alerting.retention must not be negative")
	}
	for i, rule := range c.Alerting.Rules {
		if rule.Name == "" {
			return fmt.Errorf("alerting.rules[%d].name is required", i)
		}
		if rule.BelowGwei <= 0 && rule.AboveGwei <= 0 {
			return fmt.Errorf("alerting rule %s needs below_gwei or above_gwei", rule.Name)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Lookback returns the prediction lookback window.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.History.LookbackDays) * 24 * time.Hour
}
