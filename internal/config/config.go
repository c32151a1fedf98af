// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// MarketplaceCap is the per-marketplace rate cap from spec.md §4.5's cap
// table: N units per Window, enforced per (tenant, marketplace).
type MarketplaceCap struct {
	Cap    int64         `mapstructure:"cap"`
	Window time.Duration `mapstructure:"window"`
}

// CircuitBreaker bounds how hard the dispatcher hammers an upstream
// marketplace family once it starts failing, per marketplace.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Dispatcher struct {
	WorkerCount     int                       `mapstructure:"worker_count"`
	MaxRetries      int                       `mapstructure:"max_retries"`
	Backoff         Backoff                   `mapstructure:"backoff"`
	PollInterval    time.Duration             `mapstructure:"poll_interval"`
	JanitorPeriod   time.Duration             `mapstructure:"janitor_period"`
	Caps            map[string]MarketplaceCap `mapstructure:"caps"`
	CircuitBreaker  CircuitBreaker            `mapstructure:"circuit_breaker"`
}

type Bridge struct {
	QueueCap        int           `mapstructure:"queue_cap"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	LongPollTimeout time.Duration `mapstructure:"long_poll_timeout"`
}

// MarketplaceEndpoint configures one marketplace's integration surface:
// BaseURL/Headers for a Direct (HTTP) marketplace, PathPrefix for a
// Bridged (extension) marketplace. A marketplace only consumes the fields
// its Family() needs.
type MarketplaceEndpoint struct {
	BaseURL    string            `mapstructure:"base_url"`
	PathPrefix string            `mapstructure:"path_prefix"`
	Headers    map[string]string `mapstructure:"headers"`
}

type Stats struct {
	NATSURL     string `mapstructure:"nats_url"`
	StreamName  string `mapstructure:"stream_name"`
	SubjectBase string `mapstructure:"subject_base"`
}

type Facade struct {
	Addr            string        `mapstructure:"addr"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type Audit struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Postgres      Postgres                       `mapstructure:"postgres"`
	Redis         Redis                          `mapstructure:"redis"`
	Dispatcher    Dispatcher                     `mapstructure:"dispatcher"`
	Bridge        Bridge                         `mapstructure:"bridge"`
	Stats         Stats                          `mapstructure:"stats"`
	Facade        Facade                         `mapstructure:"facade"`
	Audit         Audit                          `mapstructure:"audit"`
	Observability Observability                  `mapstructure:"observability"`
	Marketplaces  map[string]MarketplaceEndpoint `mapstructure:"marketplaces"`
}

func defaultConfig() *Config {
	return &Config{
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/orchestrator?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Dispatcher: Dispatcher{
			WorkerCount:   16,
			MaxRetries:    3,
			Backoff:       Backoff{Base: 60 * time.Second, Max: time.Hour},
			PollInterval:  500 * time.Millisecond,
			JanitorPeriod: 30 * time.Second,
			Caps: map[string]MarketplaceCap{
				"M1": {Cap: 10, Window: time.Minute},
				"M2": {Cap: 5000, Window: 24 * time.Hour},
				"M3": {Cap: 10000, Window: 24 * time.Hour},
			},
			CircuitBreaker: CircuitBreaker{
				FailureThreshold: 0.5,
				Window:           time.Minute,
				CooldownPeriod:   30 * time.Second,
				MinSamples:       10,
			},
		},
		Bridge: Bridge{
			QueueCap:        100,
			RequestTimeout:  60 * time.Second,
			LongPollTimeout: 30 * time.Second,
		},
		Stats: Stats{
			NATSURL:     "nats://localhost:4222",
			StreamName:  "ORCHESTRATOR_STATS",
			SubjectBase: "orchestrator.stats",
		},
		Facade: Facade{
			Addr:            ":8080",
			RateLimitPerSec: 50,
			RateLimitBurst:  100,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Audit: Audit{
			Path:       "./audit/orchestrator.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Marketplaces: map[string]MarketplaceEndpoint{
			"M1": {PathPrefix: "/m1"},
			"M2": {BaseURL: "https://m2.example.com/api/v1"},
			"M3": {BaseURL: "https://m3.example.com/api/v1"},
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("dispatcher.worker_count", def.Dispatcher.WorkerCount)
	v.SetDefault("dispatcher.max_retries", def.Dispatcher.MaxRetries)
	v.SetDefault("dispatcher.backoff.base", def.Dispatcher.Backoff.Base)
	v.SetDefault("dispatcher.backoff.max", def.Dispatcher.Backoff.Max)
	v.SetDefault("dispatcher.poll_interval", def.Dispatcher.PollInterval)
	v.SetDefault("dispatcher.janitor_period", def.Dispatcher.JanitorPeriod)
	v.SetDefault("dispatcher.caps", def.Dispatcher.Caps)
	v.SetDefault("dispatcher.circuit_breaker.failure_threshold", def.Dispatcher.CircuitBreaker.FailureThreshold)
	v.SetDefault("dispatcher.circuit_breaker.window", def.Dispatcher.CircuitBreaker.Window)
	v.SetDefault("dispatcher.circuit_breaker.cooldown_period", def.Dispatcher.CircuitBreaker.CooldownPeriod)
	v.SetDefault("dispatcher.circuit_breaker.min_samples", def.Dispatcher.CircuitBreaker.MinSamples)

	v.SetDefault("bridge.queue_cap", def.Bridge.QueueCap)
	v.SetDefault("bridge.request_timeout", def.Bridge.RequestTimeout)
	v.SetDefault("bridge.long_poll_timeout", def.Bridge.LongPollTimeout)

	v.SetDefault("stats.nats_url", def.Stats.NATSURL)
	v.SetDefault("stats.stream_name", def.Stats.StreamName)
	v.SetDefault("stats.subject_base", def.Stats.SubjectBase)

	v.SetDefault("facade.addr", def.Facade.Addr)
	v.SetDefault("facade.rate_limit_per_sec", def.Facade.RateLimitPerSec)
	v.SetDefault("facade.rate_limit_burst", def.Facade.RateLimitBurst)
	v.SetDefault("facade.read_timeout", def.Facade.ReadTimeout)
	v.SetDefault("facade.write_timeout", def.Facade.WriteTimeout)

	v.SetDefault("audit.path", def.Audit.Path)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", def.Audit.MaxAgeDays)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("marketplaces", def.Marketplaces)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Dispatcher.WorkerCount < 1 {
		return fmt.Errorf("dispatcher.worker_count must be >= 1")
	}
	if cfg.Dispatcher.Backoff.Base <= 0 || cfg.Dispatcher.Backoff.Max < cfg.Dispatcher.Backoff.Base {
		return fmt.Errorf("dispatcher.backoff.base must be >0 and <= backoff.max")
	}
	if len(cfg.Dispatcher.Caps) == 0 {
		return fmt.Errorf("dispatcher.caps must declare at least one marketplace cap")
	}
	if cfg.Bridge.QueueCap < 1 {
		return fmt.Errorf("bridge.queue_cap must be >= 1")
	}
	if cfg.Facade.RateLimitPerSec <= 0 {
		return fmt.Errorf("facade.rate_limit_per_sec must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
