package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Remediation RemediationConfig `yaml:"remediation" mapstructure:"remediation"`
	Gate        GateConfig        `yaml:"gate" mapstructure:"gate"`
	Queue       QueueConfig       `yaml:"queue" mapstructure:"queue"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RemediationConfig configures gap retry behavior.
type RemediationConfig struct {
	// MaxAttempts is the default per-gap retry budget applied when a seed
	// does not carry its own.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// GateConfig configures the resolution gate.
type GateConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
}

// QueueConfig configures the push-queue drain.
type QueueConfig struct {
	Workers    int     `yaml:"workers" mapstructure:"workers"`
	BatchSize  int     `yaml:"batch_size" mapstructure:"batch_size"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// MonitoringConfig configures kill-switch trigger evaluation.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	BudgetUSD           float64 `yaml:"budget_usd" mapstructure:"budget_usd"`
	BudgetCeiling       float64 `yaml:"budget_ceiling" mapstructure:"budget_ceiling"`
	FailureRateLimit    float64 `yaml:"failure_rate_limit" mapstructure:"failure_rate_limit"`
	MinAttempts         int     `yaml:"min_attempts" mapstructure:"min_attempts"`
	DailyCallCap        int     `yaml:"daily_call_cap" mapstructure:"daily_call_cap"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// PricingConfig holds per-worker attempt pricing.
type PricingConfig struct {
	Scrape ScrapePricing `yaml:"scrape" mapstructure:"scrape"`
	Caller CallerPricing `yaml:"caller" mapstructure:"caller"`
	Human  HumanPricing  `yaml:"human" mapstructure:"human"`
}

// ScrapePricing holds scrape-worker pricing.
type ScrapePricing struct {
	PerAttempt float64 `yaml:"per_attempt" mapstructure:"per_attempt"`
	PerMTok    float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// CallerPricing holds AI-caller pricing.
type CallerPricing struct {
	PerMinute   float64 `yaml:"per_minute" mapstructure:"per_minute"`
	ConnectFlat float64 `yaml:"connect_flat" mapstructure:"connect_flat"`
}

// HumanPricing holds human-review pricing.
type HumanPricing struct {
	PerReview float64 `yaml:"per_review" mapstructure:"per_review"`
}

// RetryConfig configures transient-failure retries for queue drain writes.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the queue-drain circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SITEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "sitevault.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("remediation.max_attempts", 3)
	v.SetDefault("gate.confidence_floor", 0.5)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.batch_size", 100)
	v.SetDefault("queue.rate_per_sec", 0)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.budget_ceiling", 0.8)
	v.SetDefault("monitoring.failure_rate_limit", 0.5)
	v.SetDefault("monitoring.min_attempts", 10)
	v.SetDefault("pricing.scrape.per_attempt", 0.01)
	v.SetDefault("pricing.scrape.per_mtok", 0.02)
	v.SetDefault("pricing.caller.per_minute", 0.09)
	v.SetDefault("pricing.caller.connect_flat", 0.05)
	v.SetDefault("pricing.human.per_review", 2.50)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

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
