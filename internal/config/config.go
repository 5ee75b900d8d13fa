package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"tao-dividends/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Sentiment SentimentConfig `mapstructure:"sentiment"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	API       APIConfig       `mapstructure:"api"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig points at the shared redis used for the L2 cache and the trade stream.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// CacheConfig tunes the dividend value cache.
type CacheConfig struct {
	// Backend is memory, redis or tiered.
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	EvictionSpec  string        `mapstructure:"eviction_spec"`
	DefaultNetuid uint16        `mapstructure:"default_netuid"`
}

// LedgerConfig covers the subtensor gateway.
type LedgerConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	APIKey           string        `mapstructure:"api_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	WriteRate        float64       `mapstructure:"write_rate"`
	WriteBurst       int           `mapstructure:"write_burst"`
	SS58Prefix       int           `mapstructure:"ss58_prefix"`
	ValidateAccounts bool          `mapstructure:"validate_accounts"`
	DefaultHotkey    string        `mapstructure:"default_hotkey"`
}

// SentimentConfig selects and tunes sentiment sources.
type SentimentConfig struct {
	// Sources lists enabled sources: tweets, static.
	Sources            []string      `mapstructure:"sources"`
	Aggregation        string        `mapstructure:"aggregation"`
	SourceTimeout      time.Duration `mapstructure:"source_timeout"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
	StaticScore        int           `mapstructure:"static_score"`
	Datura             DaturaConfig  `mapstructure:"datura"`
	Groq               GroqConfig    `mapstructure:"groq"`
}

// DaturaConfig 描述 Datura 推文搜索参数。
type DaturaConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// GroqConfig 描述 Groq LLM 打分参数。
type GroqConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DecisionConfig holds the staking policy.
type DecisionConfig struct {
	ThresholdHigh  int             `mapstructure:"threshold_high"`
	ThresholdLow   int             `mapstructure:"threshold_low"`
	ScoreCap       int             `mapstructure:"score_cap"`
	TaoPerPoint    decimal.Decimal `mapstructure:"tao_per_point"`
	MaxStakeTao    decimal.Decimal `mapstructure:"max_stake_tao"`
	BucketWindow   time.Duration   `mapstructure:"bucket_window"`
	PersistTimeout time.Duration   `mapstructure:"persist_timeout"`
}

// WorkerConfig selects the trade executor.
type WorkerConfig struct {
	// Backend is pool (in-process) or stream (redis consumer group).
	Backend     string        `mapstructure:"backend"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	Stream      string        `mapstructure:"stream"`
	Group       string        `mapstructure:"group"`
	Consumer    string        `mapstructure:"consumer"`
	MaxLen      int64         `mapstructure:"max_len"`
	MinIdle     time.Duration `mapstructure:"min_idle"`
	DedupeTTL   time.Duration `mapstructure:"dedupe_ttl"`
}

// ReconcileConfig governs recovery of interrupted trades.
type ReconcileConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	RedriveFailed   bool          `mapstructure:"redrive_failed"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BatchSize       int           `mapstructure:"batch_size"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr           string        `mapstructure:"addr"`
	APIKeys        []string      `mapstructure:"api_keys"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTIssuer      string        `mapstructure:"jwt_issuer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ApplyDefaults  bool          `mapstructure:"apply_defaults"`
}

// AlertingConfig defines trade notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TAODIV")
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
	v.SetDefault("app.name", "taodividends")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	// 空字符串默认值让 viper 能从环境变量读取这些键
	for _, key := range []string{
		"database.dsn", "redis.url", "ledger.rpc_url", "ledger.api_key", "ledger.default_hotkey",
		"sentiment.datura.api_key", "sentiment.groq.api_key", "api.jwt_secret", "api.jwt_issuer",
		"alerting.telegram.bot_token", "alerting.telegram.chat_id", "worker.consumer",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("api.api_keys", []string{})
	v.SetDefault("sentiment.static_score", 0)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.prefix", "tao_dividends")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "120s")
	v.SetDefault("cache.fetch_timeout", "15s")
	v.SetDefault("cache.eviction_spec", "@every 1m")
	v.SetDefault("cache.default_netuid", 18)

	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.initial_backoff", "200ms")
	v.SetDefault("ledger.max_backoff", "2s")
	v.SetDefault("ledger.write_rate", 1.0)
	v.SetDefault("ledger.write_burst", 2)
	v.SetDefault("ledger.ss58_prefix", 42)
	v.SetDefault("ledger.validate_accounts", true)

	v.SetDefault("sentiment.sources", []string{"tweets"})
	v.SetDefault("sentiment.aggregation", "mean")
	v.SetDefault("sentiment.source_timeout", "30s")
	v.SetDefault("sentiment.breaker_max_failures", 5)
	v.SetDefault("sentiment.breaker_open_timeout", "1m")
	v.SetDefault("sentiment.datura.url", "https://apis.datura.ai/twitter")
	v.SetDefault("sentiment.datura.max_results", 10)
	v.SetDefault("sentiment.datura.timeout", "15s")
	v.SetDefault("sentiment.groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("sentiment.groq.model", "llama-3.3-70b-versatile")
	v.SetDefault("sentiment.groq.timeout", "20s")

	v.SetDefault("decision.threshold_high", 50)
	v.SetDefault("decision.threshold_low", -50)
	v.SetDefault("decision.score_cap", 100)
	v.SetDefault("decision.tao_per_point", "0.01")
	v.SetDefault("decision.max_stake_tao", "1")
	v.SetDefault("decision.bucket_window", "5m")
	v.SetDefault("decision.persist_timeout", "10s")

	v.SetDefault("worker.backend", "pool")
	v.SetDefault("worker.workers", 4)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("worker.task_timeout", "2m")
	v.SetDefault("worker.stream", "tao_dividends:trades")
	v.SetDefault("worker.group", "trade-workers")
	v.SetDefault("worker.max_len", 10000)
	v.SetDefault("worker.min_idle", "5m")
	v.SetDefault("worker.dedupe_ttl", "10m")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.align_to_bucket", false)
	v.SetDefault("reconcile.startup_delay", "0s")
	v.SetDefault("reconcile.grace_period", "2m")
	v.SetDefault("reconcile.redrive_failed", false)
	v.SetDefault("reconcile.max_attempts", 3)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.advisory_lock_key", int64(0x54414f44))

	v.SetDefault("api.addr", ":8000")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.apply_defaults", false)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	var errs []error

	if c.Export.MaxDataPoints <= 0 {
		errs = append(errs, errors.New("export.max_data_points must be greater than zero"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be greater than zero"))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis", "tiered":
		if c.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("cache.backend %q requires redis.url", c.Cache.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory, redis or tiered, got %q", c.Cache.Backend))
	}

	switch c.Worker.Backend {
	case "pool":
	case "stream":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("worker.backend stream requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("worker.backend must be pool or stream, got %q", c.Worker.Backend))
	}
	if c.Worker.Workers <= 0 {
		errs = append(errs, errors.New("worker.workers must be greater than zero"))
	}

	if len(c.Sentiment.Sources) == 0 {
		errs = append(errs, errors.New("sentiment.sources must list at least one source"))
	}
	for _, src := range c.Sentiment.Sources {
		switch strings.TrimSpace(src) {
		case "tweets", "static":
		default:
			errs = append(errs, fmt.Errorf("unknown sentiment source %q", src))
		}
	}

	if c.Decision.BucketWindow <= 0 {
		errs = append(errs, errors.New("decision.bucket_window must be greater than zero"))
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be greater than zero"))
	}
	if c.API.ApplyDefaults && c.Ledger.DefaultHotkey == "" {
		errs = append(errs, errors.New("api.apply_defaults requires ledger.default_hotkey"))
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			errs = append(errs, errors.New("alerting.telegram.bot_token 必须配置"))
		}
		if c.Alerting.Telegram.ChatID == "" {
			errs = append(errs, errors.New("alerting.telegram.chat_id 必须配置"))
		}
	}
	return errors.Join(errs...)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
