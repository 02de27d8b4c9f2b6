package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full orchestrator configuration
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	StoreRoot  string `yaml:"store_root"`

	DetectorURL         string        `yaml:"detector_url"`
	DetectorTimeout     time.Duration `yaml:"detector_timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`

	WorkerConcurrency int           `yaml:"worker_concurrency"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`

	AdminUsername   string        `yaml:"admin_username"`
	AdminPassword   string        `yaml:"admin_password"`
	SessionDuration time.Duration `yaml:"session_duration"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleWindow       time.Duration `yaml:"stale_window"`

	TempSweepInterval   time.Duration `yaml:"temp_sweep_interval"`
	TempAge             time.Duration `yaml:"temp_age"`
	BatchExpiryInterval time.Duration `yaml:"batch_expiry_interval"`
	BatchAge            time.Duration `yaml:"batch_age"`
	PendingAge          time.Duration `yaml:"pending_age"`
	SessionSweep        time.Duration `yaml:"session_sweep_interval"`

	SMTP SMTPConfig `yaml:"smtp"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// SMTPConfig holds the optional notification sink parameters
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Enabled reports whether the SMTP sink is configured
func (s SMTPConfig) Enabled() bool {
	return s.Host != ""
}

// Default returns a configuration with all defaults applied
func Default() *Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 16 {
		workers = 16
	}

	return &Config{
		ListenAddr:          "127.0.0.1:8000",
		StoreRoot:           "./logocheck-data",
		DetectorURL:         "http://127.0.0.1:8001",
		DetectorTimeout:     30 * time.Second,
		ConfidenceThreshold: 0.35,
		WorkerConcurrency:   workers,
		RetryAttempts:       3,
		RetryBaseDelay:      1 * time.Second,
		ShutdownGrace:       10 * time.Second,
		SessionDuration:     30 * time.Minute,
		HeartbeatInterval:   30 * time.Second,
		StaleWindow:         60 * time.Second,
		TempSweepInterval:   30 * time.Minute,
		TempAge:             30 * time.Minute,
		BatchExpiryInterval: 1 * time.Hour,
		BatchAge:            24 * time.Hour,
		PendingAge:          72 * time.Hour,
		SessionSweep:        15 * time.Minute,
		LogLevel:            "info",
		LogJSON:             true,
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment variable overrides on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from recognized environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		c.AdminUsername = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.AdminPassword = v
	}
	if v := os.Getenv("SESSION_DURATION"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.SessionDuration = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("DETECTOR_URL"); v != "" {
		c.DetectorURL = v
	}
	if v := os.Getenv("STORE_ROOT"); v != "" {
		c.StoreRoot = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = n
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		c.SMTP.From = v
	}
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.StoreRoot == "" {
		return fmt.Errorf("store root must not be empty")
	}
	if c.DetectorURL == "" {
		return fmt.Errorf("detector URL must not be empty")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1")
	}
	if c.AdminUsername == "" || c.AdminPassword == "" {
		return fmt.Errorf("admin credentials must be configured (ADMIN_USERNAME, ADMIN_PASSWORD)")
	}
	return nil
}
