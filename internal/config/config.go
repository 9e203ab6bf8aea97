// Package config loads service configuration from defaults, an optional
// YAML file named by CONFIG_FILE, and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/loyaltyrules/metrics"
)

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EventsConfig struct {
	Stream        string        `yaml:"stream"`
	Group         string        `yaml:"group"`
	MaxLen        int64         `yaml:"max_len"`
	BatchSize     int           `yaml:"batch_size"`
	Block         time.Duration `yaml:"block"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
	ClaimMinIdle  time.Duration `yaml:"claim_min_idle"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryCap      time.Duration `yaml:"retry_cap"`
	Processors    int           `yaml:"processors"`
}

type QueueConfig struct {
	Prefix       string        `yaml:"prefix"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBase    time.Duration `yaml:"retry_base"`
	RetryCap     time.Duration `yaml:"retry_cap"`
}

type WebhookConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// EmailTemplate is a named message referenced by email actions.
type EmailTemplate struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type SMTPConfig struct {
	Host      string                   `yaml:"host"`
	Port      int                      `yaml:"port"`
	Username  string                   `yaml:"username"`
	Password  string                   `yaml:"password"`
	From      string                   `yaml:"from"`
	Templates map[string]EmailTemplate `yaml:"templates"`
}

type EffectsConfig struct {
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

type MetricsConfig struct {
	Addr            string             `yaml:"addr"`
	MonitorInterval time.Duration      `yaml:"monitor_interval"`
	Thresholds      metrics.Thresholds `yaml:"thresholds"`
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Queue    QueueConfig    `yaml:"queue"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Effects  EffectsConfig  `yaml:"effects"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	CacheTTL time.Duration  `yaml:"cache_ttl"`
	LogLevel string         `yaml:"log_level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Events: EventsConfig{
			Stream:        "loyalty:events",
			Group:         "loyalty_processors",
			MaxLen:        100000,
			BatchSize:     10,
			Block:         time.Second,
			ClaimInterval: time.Minute,
			ClaimMinIdle:  5 * time.Minute,
			RetryBase:     time.Second,
			RetryCap:      300 * time.Second,
			Processors:    1,
		},
		Queue: QueueConfig{
			Prefix:       "loyalty:queue",
			Workers:      4,
			PollInterval: time.Second,
			Lease:        5 * time.Minute,
			MaxRetries:   5,
			RetryBase:    60 * time.Second,
			RetryCap:     300 * time.Second,
		},
		Webhook: WebhookConfig{
			MaxAttempts:     5,
			InitialInterval: time.Second,
			MaxInterval:     60 * time.Second,
			Timeout:         30 * time.Second,
		},
		SMTP:    SMTPConfig{Port: 587},
		Effects: EffectsConfig{Stream: "loyalty:effects", MaxLen: 100000},
		Metrics: MetricsConfig{
			Addr:            ":9090",
			MonitorInterval: 30 * time.Second,
			Thresholds:      metrics.DefaultThresholds(),
		},
		CacheTTL: 30 * time.Second,
		LogLevel: "info",
	}
}

// Load builds the configuration from the process environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.LookupEnv)
}

// LoadWithEnv builds the configuration using lookup for environment values.
func LoadWithEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs *multierror.Error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Server.Port)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("EVENT_STREAM", &c.Events.Stream)
	str("CONSUMER_GROUP", &c.Events.Group)
	num("EVENT_PROCESSORS", &c.Events.Processors)
	num("WORKER_CONCURRENCY", &c.Queue.Workers)
	str("SMTP_HOST", &c.SMTP.Host)
	num("SMTP_PORT", &c.SMTP.Port)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	str("SMTP_FROM", &c.SMTP.From)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.LogLevel)

	return errs.ErrorOrNil()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Database.URL == "" {
		errs = multierror.Append(errs, errors.New("database url is required (DATABASE_URL)"))
	}
	if c.Redis.Addr == "" {
		errs = multierror.Append(errs, errors.New("redis address is required (REDIS_ADDR)"))
	}
	if c.Server.Port == "" {
		errs = multierror.Append(errs, errors.New("server port is required"))
	}
	if c.Events.Stream == "" || c.Events.Group == "" {
		errs = multierror.Append(errs, errors.New("event stream and consumer group are required"))
	}
	if c.Events.BatchSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("events.batch_size must be positive, got %d", c.Events.BatchSize))
	}
	if c.Events.Processors <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("events.processors must be positive, got %d", c.Events.Processors))
	}
	if c.Events.RetryBase <= 0 || c.Events.RetryCap < c.Events.RetryBase {
		errs = multierror.Append(errs, errors.New("events retry_base must be positive and not exceed retry_cap"))
	}
	if c.Queue.Workers <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers))
	}
	if c.Queue.Lease <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("queue.lease must be positive, got %s", c.Queue.Lease))
	}
	if c.Queue.MaxRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("queue.max_retries cannot be negative, got %d", c.Queue.MaxRetries))
	}
	if c.Webhook.MaxAttempts <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("webhook.max_attempts must be positive, got %d", c.Webhook.MaxAttempts))
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = multierror.Append(errs, errors.New("smtp.from is required when smtp.host is set"))
	}
	return errs.ErrorOrNil()
}
