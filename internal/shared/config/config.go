package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Log       LogConfig        `mapstructure:"log"`
	Metering  MeteringConfig   `mapstructure:"metering"`
	Features  []FeatureConfig  `mapstructure:"features"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Mode            string        `mapstructure:"mode"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// InternalRoutes mounts /internal/sweeps. Those routes carry no caller
	// check and must not be reachable through the public gateway.
	InternalRoutes  bool          `mapstructure:"internal_routes"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsMemory reports whether the in-memory store is selected.
func (c *DatabaseConfig) IsMemory() bool {
	return strings.EqualFold(c.Driver, "memory")
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MeteringConfig holds engine and scheduler configuration.
type MeteringConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	DefaultMaxRetries      int           `mapstructure:"default_max_retries"`
	ReservationTTL         time.Duration `mapstructure:"reservation_ttl"`
	ExecutionTimeout       time.Duration `mapstructure:"execution_timeout"`
	RecentTasksLimit       int           `mapstructure:"recent_tasks_limit"`
	SummaryCacheTTL        time.Duration `mapstructure:"summary_cache_ttl"`
	SchedulerEnabled       bool          `mapstructure:"scheduler_enabled"`
	RetrySweepInterval     time.Duration `mapstructure:"retry_sweep_interval"`
	ExpirySweepInterval    time.Duration `mapstructure:"expiry_sweep_interval"`
	ReconciliationInterval time.Duration `mapstructure:"reconciliation_interval"`
	ReconciliationWindow   time.Duration `mapstructure:"reconciliation_window"`
	ReconciliationMinAge   time.Duration `mapstructure:"reconciliation_min_age"`
	BatchSize              int           `mapstructure:"batch_size"`
	PollConcurrency        int           `mapstructure:"poll_concurrency"`
	PollTimeout            time.Duration `mapstructure:"poll_timeout"`
	BackoffBase            time.Duration `mapstructure:"backoff_base"`
	BackoffMax             time.Duration `mapstructure:"backoff_max"`
	LockTTL                time.Duration `mapstructure:"lock_ttl"`
}

// FeatureConfig holds the pricing of one billable feature.
type FeatureConfig struct {
	Name                string        `mapstructure:"name"`
	Pricing             string        `mapstructure:"pricing"`
	FixedCost           int64         `mapstructure:"fixed_cost"`
	UnitSeconds         int           `mapstructure:"unit_seconds"`
	UnitCost            int64         `mapstructure:"unit_cost"`
	DurationField       string        `mapstructure:"duration_field"`
	FreeUses            int           `mapstructure:"free_uses"`
	MinimumCredits      int64         `mapstructure:"minimum_credits"`
	ChargePolicy        string        `mapstructure:"charge_policy"`
	RepriceOnCompletion bool          `mapstructure:"reprice_on_completion"`
	ActualDurationField string        `mapstructure:"actual_duration_field"`
	MaxRetries          *int          `mapstructure:"max_retries"`
	ReservationTTL      time.Duration `mapstructure:"reservation_ttl"`
	ExecutionTimeout    time.Duration `mapstructure:"execution_timeout"`
	Provider            string        `mapstructure:"provider"`
}

// ProviderConfig holds one provider's job-status API.
type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	BaseURL       string        `mapstructure:"base_url"`
	StatusPath    string        `mapstructure:"status_path"`
	AuthHeader    string        `mapstructure:"auth_header"`
	AuthToken     string        `mapstructure:"auth_token"`
	StateField    string        `mapstructure:"state_field"`
	MessageField  string        `mapstructure:"message_field"`
	ProgressField string        `mapstructure:"progress_field"`
	OutputField   string        `mapstructure:"output_field"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Succeeded     []string      `mapstructure:"succeeded"`
	Failed        []string      `mapstructure:"failed"`
	Pending       []string      `mapstructure:"pending"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/metering")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("METERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if password := os.Getenv("METERING_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("METERING_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	for i := range cfg.Providers {
		key := "METERING_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(cfg.Providers[i].Name, "-", "_")) + "_TOKEN"
		if token := os.Getenv(key); token != "" {
			cfg.Providers[i].AuthToken = token
		}
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.internal_routes", true)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "metering")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "metering:")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Metering defaults
	v.SetDefault("metering.poll_interval", 10*time.Second)
	v.SetDefault("metering.default_max_retries", 5)
	v.SetDefault("metering.reservation_ttl", 15*time.Minute)
	v.SetDefault("metering.execution_timeout", 2*time.Hour)
	v.SetDefault("metering.recent_tasks_limit", 20)
	v.SetDefault("metering.summary_cache_ttl", 30*time.Second)
	v.SetDefault("metering.scheduler_enabled", true)
	v.SetDefault("metering.retry_sweep_interval", 5*time.Second)
	v.SetDefault("metering.expiry_sweep_interval", 30*time.Second)
	v.SetDefault("metering.reconciliation_interval", 10*time.Minute)
	v.SetDefault("metering.reconciliation_window", 24*time.Hour)
	v.SetDefault("metering.reconciliation_min_age", time.Hour)
	v.SetDefault("metering.batch_size", 100)
	v.SetDefault("metering.poll_concurrency", 8)
	v.SetDefault("metering.poll_timeout", 30*time.Second)
	v.SetDefault("metering.backoff_base", 5*time.Second)
	v.SetDefault("metering.backoff_max", 5*time.Minute)
	v.SetDefault("metering.lock_ttl", time.Minute)

	v.SetDefault("features", DefaultFeatures())
	v.SetDefault("providers", DefaultProviders())
}

// DefaultFeatures returns the built-in feature catalog.
func DefaultFeatures() []map[string]any {
	return []map[string]any{
		{"name": "segmentation", "pricing": "fixed", "fixed_cost": 10, "free_uses": 1, "provider": "media"},
		{"name": "colorization", "pricing": "fixed", "fixed_cost": 20, "free_uses": 1, "provider": "media"},
		{"name": "upscale", "pricing": "fixed", "fixed_cost": 30, "free_uses": 1, "provider": "media"},
		{
			"name":                  "video_edit",
			"pricing":               "per_duration",
			"unit_seconds":          30,
			"unit_cost":             30,
			"duration_field":        "duration_seconds",
			"free_uses":             1,
			"minimum_credits":       30,
			"reprice_on_completion": true,
			"actual_duration_field": "duration_seconds",
			"provider":              "video",
		},
	}
}

// DefaultProviders returns the built-in provider endpoints.
func DefaultProviders() []map[string]any {
	return []map[string]any{
		{"name": "media", "base_url": "http://localhost:9001", "status_path": "/v1/jobs/{job_id}"},
		{"name": "video", "base_url": "http://localhost:9002", "status_path": "/v1/jobs/{job_id}"},
	}
}
