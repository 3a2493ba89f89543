// Package config loads and validates configuration at startup.
//
// Values are resolved once, in this order (later wins): built-in defaults, the optional
// YAML file named by JOBWATCH_CONFIG, then environment variables (a .env file in the
// working directory is loaded first). Every backend base URL lives in Backends; no other
// package hard-codes a host.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backends holds the base URL of every service jobwatch talks to.
type Backends struct {
	MainURL  string `yaml:"main_url"`  // content backend, historically served under /api
	InstaURL string `yaml:"insta_url"` // Insta-App backend, historically /insta-api
	EmailURL string `yaml:"email_url"` // scan / verification / campaign service
}

// Credentials describes where outgoing auth material comes from.
type Credentials struct {
	File        string `yaml:"file"` // persisted auth_token / insta_api_key
	AuthToken   string `yaml:"-"`
	InstaAPIKey string `yaml:"-"`
	JWTSecret   string `yaml:"-"`
}

// Poll configures every Job Poller started by the service.
type Poll struct {
	Interval    time.Duration `yaml:"interval"`
	MaxDuration time.Duration `yaml:"max_duration"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Config holds all runtime configuration for jobwatch.
type Config struct {
	Port          string        `yaml:"port"`
	GRPCPort      string        `yaml:"grpc_port"`
	DatabaseURL   string        `yaml:"database_url"`
	RedisURL      string        `yaml:"redis_url"`
	LogLevel      string        `yaml:"log_level"`
	Backends      Backends      `yaml:"backends"`
	Credentials   Credentials   `yaml:"credentials"`
	Poll          Poll          `yaml:"poll"`
	RateLimit     float64       `yaml:"rate_limit"` // outbound requests per second, 0 = unlimited
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	HealthEvery   time.Duration `yaml:"health_every"`
	SendDailyCron string        `yaml:"send_daily_cron"` // empty disables the daily send trigger
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:     "8090",
		GRPCPort: "9090",
		LogLevel: "info",
		Backends: Backends{
			MainURL:  "http://localhost:8000/api",
			InstaURL: "http://localhost:8001/insta-api",
			EmailURL: "http://localhost:5000",
		},
		Poll: Poll{
			Interval:    2 * time.Second,
			MaxDuration: 30 * time.Minute,
			MaxBackoff:  30 * time.Second,
		},
		HTTPTimeout: 15 * time.Second,
		HealthEvery: time.Minute,
	}
}

// LoadFile reads the .env file, the YAML file at path and the environment, and returns a
// validated Config. An empty path falls back to JOBWATCH_CONFIG.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("JOBWATCH_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Port, "JOBWATCH_PORT")
	setString(&cfg.GRPCPort, "JOBWATCH_GRPC_PORT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Backends.MainURL, "MAIN_API_URL")
	setString(&cfg.Backends.InstaURL, "INSTA_API_URL")
	setString(&cfg.Backends.EmailURL, "EMAIL_API_URL")
	setString(&cfg.Credentials.File, "CREDENTIALS_FILE")
	setString(&cfg.Credentials.AuthToken, "AUTH_TOKEN")
	setString(&cfg.Credentials.InstaAPIKey, "INSTA_API_KEY")
	setString(&cfg.Credentials.JWTSecret, "SERVICE_JWT_SECRET")
	setString(&cfg.SendDailyCron, "SEND_DAILY_CRON")

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.Poll.Interval, "POLL_INTERVAL"},
		{&cfg.Poll.MaxDuration, "POLL_MAX_DURATION"},
		{&cfg.Poll.MaxBackoff, "POLL_MAX_BACKOFF"},
		{&cfg.HTTPTimeout, "HTTP_TIMEOUT"},
		{&cfg.HealthEvery, "HEALTH_CHECK_INTERVAL"},
	}
	for _, d := range durations {
		s := os.Getenv(d.key)
		if s == "" {
			continue
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s must be a duration, got %q", d.key, s)
		}
		*d.dst = v
	}

	if s := os.Getenv("POLL_MAX_ATTEMPTS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return fmt.Errorf("POLL_MAX_ATTEMPTS must be a non-negative integer, got %q", s)
		}
		cfg.Poll.MaxAttempts = v
	}
	if s := os.Getenv("OUTBOUND_RATE_LIMIT"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			return fmt.Errorf("OUTBOUND_RATE_LIMIT must be a non-negative number, got %q", s)
		}
		cfg.RateLimit = v
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	var errs []error
	for _, b := range []struct{ name, raw string }{
		{"backends.main_url", c.Backends.MainURL},
		{"backends.insta_url", c.Backends.InstaURL},
		{"backends.email_url", c.Backends.EmailURL},
	} {
		name, raw := b.name, b.raw
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval must be positive"))
	}
	if c.Poll.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("poll.max_duration must not be negative"))
	}
	return errors.Join(errs...)
}

// RequireStorage is the fail-fast check for `jobwatch serve`, which needs both stores.
func (c *Config) RequireStorage() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}
