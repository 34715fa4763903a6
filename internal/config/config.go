// Package config loads the engine configuration from YAML with .env and
// environment variable overrides. Config structs are threaded explicitly
// through constructors; nothing here is a process-wide singleton.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	AIGen     AIGenConfig     `yaml:"aigen"`
	SES       SESConfig       `yaml:"ses"`
	Telephony TelephonyConfig `yaml:"telephony"`
	LinkedIn  LinkedInConfig  `yaml:"linkedin"`
	Poller    PollerConfig    `yaml:"poller"`
	Reminder  ReminderConfig  `yaml:"reminder"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
}

// ServerConfig holds the HTTP surface settings. PublicBaseURL is the
// externally reachable origin embedded in tracking pixels and provider
// webhook registrations.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig is optional: without Redis the provider caps degrade to
// DB-only budgets and locks fall back to PG advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SecretsConfig holds the key that unseals tenant channel credentials.
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// AIGenConfig points at the content-generation collaborator service.
type AIGenConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SESConfig holds the platform SES credentials used for tenants whose
// account type is ses.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type TelephonyConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type LinkedInConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PollerConfig tunes the queue pollers.
type PollerConfig struct {
	EmailIntervalSeconds int `yaml:"email_interval_seconds"`
	CallIntervalSeconds  int `yaml:"call_interval_seconds"`
	FanOut               int `yaml:"fan_out"`
	BatchCap             int `yaml:"batch_cap"`
}

func (c PollerConfig) EmailInterval() time.Duration {
	return time.Duration(c.EmailIntervalSeconds) * time.Second
}

func (c PollerConfig) CallInterval() time.Duration {
	return time.Duration(c.CallIntervalSeconds) * time.Second
}

type ReminderConfig struct {
	IntervalMinutes int         `yaml:"interval_minutes"`
	Strategies      []string    `yaml:"strategies"`
	StageDays       map[int]int `yaml:"stage_days"`
}

func (c ReminderConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

type RecoveryConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	LeaseThresholdMinutes int `yaml:"lease_threshold_minutes"`
}

func (c RecoveryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c RecoveryConfig) LeaseThreshold() time.Duration {
	return time.Duration(c.LeaseThresholdMinutes) * time.Minute
}

// WebhooksConfig maps provider names to HMAC signing secrets. Providers
// without a secret skip signature verification.
type WebhooksConfig struct {
	Secrets map[string]string `yaml:"secrets"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = fmt.Sprintf("http://%s", cfg.Server.Addr())
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Poller.EmailIntervalSeconds == 0 {
		cfg.Poller.EmailIntervalSeconds = 60
	}
	if cfg.Poller.CallIntervalSeconds == 0 {
		cfg.Poller.CallIntervalSeconds = 30
	}
	if cfg.Poller.FanOut == 0 {
		cfg.Poller.FanOut = 5
	}
	if cfg.Poller.BatchCap == 0 {
		cfg.Poller.BatchCap = 10
	}
	if cfg.Reminder.IntervalMinutes == 0 {
		cfg.Reminder.IntervalMinutes = 60
	}
	if cfg.Recovery.IntervalSeconds == 0 {
		cfg.Recovery.IntervalSeconds = 60
	}
	if cfg.Recovery.LeaseThresholdMinutes == 0 {
		cfg.Recovery.LeaseThresholdMinutes = 10
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CREDENTIALS_ENCRYPTION_KEY"); v != "" {
		cfg.Secrets.EncryptionKey = v
	}
	if v := os.Getenv("AIGEN_BASE_URL"); v != "" {
		cfg.AIGen.BaseURL = v
	}
	if v := os.Getenv("AIGEN_API_KEY"); v != "" {
		cfg.AIGen.APIKey = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("TELEPHONY_BASE_URL"); v != "" {
		cfg.Telephony.BaseURL = v
	}
	if v := os.Getenv("TELEPHONY_API_KEY"); v != "" {
		cfg.Telephony.APIKey = v
	}
	if v := os.Getenv("LINKEDIN_BASE_URL"); v != "" {
		cfg.LinkedIn.BaseURL = v
	}
	if v := os.Getenv("LINKEDIN_API_KEY"); v != "" {
		cfg.LinkedIn.APIKey = v
	}
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}

	return cfg, nil
}

// Validate checks the settings a running engine cannot do without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Secrets.EncryptionKey == "" {
		return fmt.Errorf("secrets.encryption_key is required")
	}
	if c.AIGen.BaseURL == "" {
		return fmt.Errorf("aigen.base_url is required")
	}
	return nil
}
