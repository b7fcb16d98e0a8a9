package sqlguard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LogConfig      `yaml:"logging"`
	Behavior BehaviorConfig `yaml:"behavior"`
	Authz    AuthzConfig    `yaml:"authz"`
	Notifier NotifierConfig `yaml:"notifier"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AdminUsers maps user names to bcrypt password hashes.
	AdminUsers map[string]string `yaml:"adminUsers"`
	RateLimit  RateLimitConfig   `yaml:"rateLimit"`
	// ShutdownTimeout is a Go duration string.
	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

type StorageConfig struct {
	Driver          string `yaml:"driver"` // sqlite or memory
	DSN             string `yaml:"dsn"`
	RecordCacheSize int    `yaml:"recordCacheSize"`
	RecordCacheTTL  string `yaml:"recordCacheTTL"`
}

type AuthzConfig struct {
	PolicyConfig `yaml:",inline"`
	PolicyFile   string `yaml:"policyFile"`
	Watch        bool   `yaml:"watch"`
}

type NotifierConfig struct {
	// Timeout bounds each channel send.
	Timeout string      `yaml:"timeout"`
	Email   EmailConfig `yaml:"email"`
	Slack   SlackConfig `yaml:"slack"`
}

type LedgerConfig struct {
	TTL string `yaml:"ttl"`
}

// DefaultConfig returns the configuration used when a key is absent.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			RateLimit:       RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
			ShutdownTimeout: "10s",
		},
		Storage: StorageConfig{
			Driver:          "sqlite",
			DSN:             "file:sqlguard.db?_busy_timeout=5000&_journal_mode=WAL",
			RecordCacheSize: 1024,
			RecordCacheTTL:  "5m",
		},
		Logging:  LogConfig{Level: "info", Format: "json", Component: "sqlguard"},
		Behavior: DefaultBehaviorConfig(),
		Notifier: NotifierConfig{
			Timeout: "5s",
			Email:   EmailConfig{Port: 25},
			Slack:   SlackConfig{TimeoutMs: 4000},
		},
		Ledger: LedgerConfig{TTL: "15m"},
	}
}

// LoadConfig reads path over the defaults. A .env file beside the config, or
// in the working directory, is loaded into the environment first and
// SQLGUARD_* variables then override the file. An empty path yields the
// defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles(path)
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.Authz.PolicyFile != "" && !filepath.IsAbs(cfg.Authz.PolicyFile) && path != "" {
		cfg.Authz.PolicyFile = filepath.Join(filepath.Dir(path), cfg.Authz.PolicyFile)
	}
	return cfg, nil
}

func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadEnvFiles(configPath string) {
	if configPath != "" {
		envFile := filepath.Join(filepath.Dir(configPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			_ = godotenv.Load(envFile)
		}
	}
	_ = godotenv.Load()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SQLGUARD_LISTEN_ADDR"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("SQLGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SQLGUARD_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("SQLGUARD_SMTP_PASSWORD"); v != "" {
		c.Notifier.Email.Password = v
	}
	if v := os.Getenv("SQLGUARD_SLACK_WEBHOOK_URL"); v != "" {
		c.Notifier.Slack.WebhookURL = v
	}
	if v := os.Getenv("SQLGUARD_EMAIL_TO"); v != "" {
		c.Notifier.Email.ToDefault = v
	}
}

// Policy returns the effective policy: the policy file when configured,
// otherwise the inline roles.
func (c *Config) Policy() (PolicyConfig, error) {
	if strings.TrimSpace(c.Authz.PolicyFile) != "" {
		return LoadPolicyFile(c.Authz.PolicyFile)
	}
	return c.Authz.PolicyConfig, nil
}

func parseDurationOr(value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func (c *Config) NotifyTimeout() time.Duration {
	d, err := parseDurationOr(c.Notifier.Timeout, 5*time.Second)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (c *Config) RecordCacheTTL() time.Duration {
	d, err := parseDurationOr(c.Storage.RecordCacheTTL, 5*time.Minute)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

func (c *Config) LedgerTTL() time.Duration {
	d, err := parseDurationOr(c.Ledger.TTL, 15*time.Minute)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

func (c *Config) ShutdownTimeout() time.Duration {
	d, err := parseDurationOr(c.Server.ShutdownTimeout, 10*time.Second)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
