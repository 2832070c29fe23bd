package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type BudgetConfig struct {
	// Period is the budget window: daily or monthly.
	Period         string  `mapstructure:"period"`
	SoftAlertRatio float64 `mapstructure:"soft_alert_ratio"`
}

type LedgerConfig struct {
	FreeTierLimit      int           `mapstructure:"free_tier_limit"`
	MinimumFractionUSD string        `mapstructure:"minimum_fraction_usd"`
	FractionRate       string        `mapstructure:"fraction_rate"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

type SchedulerConfig struct {
	BaseStageSeconds       int            `mapstructure:"base_stage_seconds"`
	MinimumDurationSeconds int            `mapstructure:"minimum_duration_seconds"`
	ResourceMultipliers    map[string]int `mapstructure:"resource_multipliers"`
	MaxConcurrentTasks     int            `mapstructure:"max_concurrent_tasks"`
	StreamBuffer           int            `mapstructure:"stream_buffer"`
	ReaperCutoff           time.Duration  `mapstructure:"reaper_cutoff"`
}

type AlertsConfig struct {
	// Mode selects the alert sink: "log" or "webhook".
	Mode            string        `mapstructure:"mode"`
	WebhookURL      string        `mapstructure:"webhook_url"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	QueueEnabled    bool          `mapstructure:"queue_enabled"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type PricingConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/spendgate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Budget.Period != "daily" && c.Budget.Period != "monthly" {
		return fmt.Errorf("budget.period must be daily or monthly, got %q", c.Budget.Period)
	}
	if c.Budget.SoftAlertRatio <= 0 || c.Budget.SoftAlertRatio > 1 {
		return fmt.Errorf("budget.soft_alert_ratio must be in (0,1], got %v", c.Budget.SoftAlertRatio)
	}
	if c.Scheduler.BaseStageSeconds <= 0 {
		return fmt.Errorf("scheduler.base_stage_seconds must be positive")
	}
	for tier, mult := range c.Scheduler.ResourceMultipliers {
		if mult <= 0 {
			return fmt.Errorf("scheduler.resource_multipliers[%s] must be positive", tier)
		}
	}
	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)

	// Budget defaults
	viper.SetDefault("budget.period", "monthly")
	viper.SetDefault("budget.soft_alert_ratio", 0.8)

	// Ledger defaults
	viper.SetDefault("ledger.free_tier_limit", 3)
	viper.SetDefault("ledger.minimum_fraction_usd", "0.20")
	viper.SetDefault("ledger.fraction_rate", "0.01")
	viper.SetDefault("ledger.lock_ttl", "10s")

	// Scheduler defaults
	viper.SetDefault("scheduler.base_stage_seconds", 15)
	viper.SetDefault("scheduler.minimum_duration_seconds", 20)
	viper.SetDefault("scheduler.resource_multipliers", map[string]int{
		"standard":   1,
		"priority":   3,
		"premium":    5,
		"enterprise": 10,
	})
	viper.SetDefault("scheduler.max_concurrent_tasks", 64)
	viper.SetDefault("scheduler.stream_buffer", 16)
	viper.SetDefault("scheduler.reaper_cutoff", "10m")

	// Alerts defaults
	viper.SetDefault("alerts.mode", "log")
	viper.SetDefault("alerts.dispatch_timeout", "2s")
	viper.SetDefault("alerts.queue_enabled", true)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "spendgate")

	// Pricing defaults
	viper.SetDefault("pricing.cache_ttl", "60s")
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
	viper.BindEnv("cors.allowed_methods", "CORS_ALLOWED_METHODS")
	viper.BindEnv("cors.allowed_headers", "CORS_ALLOWED_HEADERS")

	// Budget
	viper.BindEnv("budget.period", "BUDGET_PERIOD")
	viper.BindEnv("budget.soft_alert_ratio", "BUDGET_SOFT_ALERT_RATIO")

	// Ledger
	viper.BindEnv("ledger.free_tier_limit", "FREE_TIER_LIMIT")
	viper.BindEnv("ledger.minimum_fraction_usd", "LEDGER_MINIMUM_FRACTION_USD")
	viper.BindEnv("ledger.fraction_rate", "LEDGER_FRACTION_RATE")

	// Scheduler
	viper.BindEnv("scheduler.base_stage_seconds", "BASE_STAGE_SECONDS")
	viper.BindEnv("scheduler.minimum_duration_seconds", "SCHEDULER_MINIMUM_DURATION_SECONDS")
	viper.BindEnv("scheduler.max_concurrent_tasks", "SCHEDULER_MAX_CONCURRENT_TASKS")

	// Alerts
	viper.BindEnv("alerts.mode", "ALERTS_MODE")
	viper.BindEnv("alerts.webhook_url", "ALERTS_WEBHOOK_URL")

	// Tracing
	viper.BindEnv("tracing.enabled", "ENABLE_TRACING")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func Get() *Config {
	return cfg
}
