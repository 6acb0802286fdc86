package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"server"`

	Database struct {
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Classifier ClassifierConfig `yaml:"classifier"`

	Batch BatchConfig `yaml:"batch"`

	Enforcer EnforcerConfig `yaml:"enforcer"`

	Observer ObserverConfig `yaml:"observer"`
}

// ClassifierConfig holds settings for the external decision service
type ClassifierConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// BatchConfig holds batching thresholds
type BatchConfig struct {
	MaxSize       int           `yaml:"max_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// EnforcerConfig holds block-action queue settings. BlockURL is the
// optional native enforcement webhook; without it every block action falls
// back to local hiding.
type EnforcerConfig struct {
	ActionDelay    time.Duration `yaml:"action_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	BlockURL       string        `yaml:"block_url"`
}

// ObserverConfig holds feed observation settings
type ObserverConfig struct {
	Feeds         []string      `yaml:"feeds"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	VisibleWindow int           `yaml:"visible_window"`
	UserAgent     string        `yaml:"user_agent"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// set defaults for server
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}

	// set defaults for database
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:chatwarden.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 3600
	}

	// set defaults for classifier
	if cfg.Classifier.Timeout == 0 {
		cfg.Classifier.Timeout = 30 * time.Second
	}
	if cfg.Classifier.RetryAttempts == 0 {
		cfg.Classifier.RetryAttempts = 3
	}
	if cfg.Classifier.RetryBaseDelay == 0 {
		cfg.Classifier.RetryBaseDelay = time.Second
	}

	// set defaults for batching
	if cfg.Batch.MaxSize == 0 {
		cfg.Batch.MaxSize = 5
	}
	if cfg.Batch.FlushInterval == 0 {
		cfg.Batch.FlushInterval = 2 * time.Second
	}

	// set defaults for enforcer
	if cfg.Enforcer.ActionDelay == 0 {
		cfg.Enforcer.ActionDelay = 2 * time.Second
	}
	if cfg.Enforcer.AttemptTimeout == 0 {
		cfg.Enforcer.AttemptTimeout = 10 * time.Second
	}

	// set defaults for observer
	if cfg.Observer.PollInterval == 0 {
		cfg.Observer.PollInterval = time.Minute
	}
	if cfg.Observer.SweepInterval == 0 {
		cfg.Observer.SweepInterval = 5 * time.Second
	}
	if cfg.Observer.VisibleWindow == 0 {
		cfg.Observer.VisibleWindow = 200
	}
	if cfg.Observer.UserAgent == "" {
		cfg.Observer.UserAgent = "Chatwarden/1.0"
	}

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	// validate classifier config
	if cfg.Classifier.Endpoint == "" {
		return fmt.Errorf("classifier.endpoint is required")
	}
	if cfg.Classifier.RetryAttempts < 1 {
		return fmt.Errorf("classifier.retry_attempts must be at least 1")
	}

	// validate batching config
	if cfg.Batch.MaxSize < 1 {
		return fmt.Errorf("batch.max_size must be at least 1")
	}
	if cfg.Batch.FlushInterval < 100*time.Millisecond {
		return fmt.Errorf("batch.flush_interval must be at least 100ms")
	}

	// validate enforcer config
	if cfg.Enforcer.ActionDelay < 0 {
		return fmt.Errorf("enforcer.action_delay must be non-negative")
	}
	if cfg.Enforcer.AttemptTimeout < time.Second {
		return fmt.Errorf("enforcer.attempt_timeout must be at least 1 second")
	}

	// validate server config
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}

// GetClassifierConfig returns classifier client configuration
func (c *Config) GetClassifierConfig() ClassifierConfig {
	return c.Classifier
}
