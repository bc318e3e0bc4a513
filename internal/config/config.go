// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	HTTPAddr      string `mapstructure:"HTTP_ADDR"`
	DBURL         string `mapstructure:"DB_URL"`
	MigrationsURL string `mapstructure:"MIGRATIONS_URL"`

	GithubAppID          string `mapstructure:"GITHUB_APP_ID"`
	GithubPrivateKeyPath string `mapstructure:"GITHUB_PRIVATE_KEY_PATH"`
	GithubAPIURL         string `mapstructure:"GITHUB_API_URL"`

	WebhookSecret      string        `mapstructure:"GITHUB_WEBHOOK_SECRET"`
	WebhookEnforceSig  bool          `mapstructure:"WEBHOOK_ENFORCE_SIGNATURE"`
	WebhookDeliveryTTL time.Duration `mapstructure:"WEBHOOK_DELIVERY_TTL"`
	WebhookCallbackURL string        `mapstructure:"WEBHOOK_CALLBACK_URL"`

	LLMBaseURL           string        `mapstructure:"LLM_BASE_URL"`
	LLMAPIKey            string        `mapstructure:"LLM_API_KEY"`
	LLMGamingModel       string        `mapstructure:"LLM_GAMING_MODEL"`
	LLMHolisticModel     string        `mapstructure:"LLM_HOLISTIC_MODEL"`
	LLMTimeout           time.Duration `mapstructure:"LLM_TIMEOUT"`
	LLMRequestsPerSecond float64       `mapstructure:"LLM_REQUESTS_PER_SECOND"`

	WorkerShards      int `mapstructure:"WORKER_SHARDS"`
	WorkerQueueSize   int `mapstructure:"WORKER_QUEUE_SIZE"`
	EnrichConcurrency int `mapstructure:"ENRICH_CONCURRENCY"`

	ReconcileInterval    time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileStaleAfter  time.Duration `mapstructure:"RECONCILE_STALE_AFTER"`
	ReconcileMaxAttempts int           `mapstructure:"RECONCILE_MAX_ATTEMPTS"`

	PayoutWebhookURL     string        `mapstructure:"PAYOUT_WEBHOOK_URL"`
	ShutdownDrainTimeout time.Duration `mapstructure:"SHUTDOWN_DRAIN_TIMEOUT"`
}

var defaults = map[string]any{
	"LOG_LEVEL":                 "info",
	"HTTP_ADDR":                 ":8000",
	"DB_URL":                    "",
	"MIGRATIONS_URL":            "file://migrations",
	"GITHUB_APP_ID":             "",
	"GITHUB_PRIVATE_KEY_PATH":   "",
	"GITHUB_API_URL":            "",
	"GITHUB_WEBHOOK_SECRET":     "",
	"WEBHOOK_ENFORCE_SIGNATURE": true,
	"WEBHOOK_DELIVERY_TTL":      "1h",
	"WEBHOOK_CALLBACK_URL":      "",
	"LLM_BASE_URL":              "https://api.openai.com/v1",
	"LLM_API_KEY":               "",
	"LLM_GAMING_MODEL":          "gpt-4o-mini",
	"LLM_HOLISTIC_MODEL":        "gpt-4o-mini",
	"LLM_TIMEOUT":               "60s",
	"LLM_REQUESTS_PER_SECOND":   1.0,
	"WORKER_SHARDS":             4,
	"WORKER_QUEUE_SIZE":         64,
	"ENRICH_CONCURRENCY":        4,
	"RECONCILE_INTERVAL":        "5m",
	"RECONCILE_STALE_AFTER":     "15m",
	"RECONCILE_MAX_ATTEMPTS":    3,
	"PAYOUT_WEBHOOK_URL":        "",
	"SHUTDOWN_DRAIN_TIMEOUT":    "10s",
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.DBURL == "" {
		return errors.New("DB_URL is a required configuration field")
	}
	if (c.GithubAppID == "") != (c.GithubPrivateKeyPath == "") {
		return errors.New("GITHUB_APP_ID and GITHUB_PRIVATE_KEY_PATH must be set together")
	}
	if c.WebhookEnforceSig && c.WebhookSecret == "" {
		return errors.New("GITHUB_WEBHOOK_SECRET is required while WEBHOOK_ENFORCE_SIGNATURE is enabled")
	}
	if c.WorkerShards < 1 {
		return errors.New("WORKER_SHARDS must be at least 1")
	}
	if c.WorkerQueueSize < 1 {
		return errors.New("WORKER_QUEUE_SIZE must be at least 1")
	}
	if c.EnrichConcurrency < 1 {
		return errors.New("ENRICH_CONCURRENCY must be at least 1")
	}
	if c.LLMRequestsPerSecond <= 0 {
		return errors.New("LLM_REQUESTS_PER_SECOND must be positive")
	}
	if c.ReconcileMaxAttempts < 1 {
		return errors.New("RECONCILE_MAX_ATTEMPTS must be at least 1")
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"WEBHOOK_DELIVERY_TTL", c.WebhookDeliveryTTL},
		{"LLM_TIMEOUT", c.LLMTimeout},
		{"RECONCILE_INTERVAL", c.ReconcileInterval},
		{"RECONCILE_STALE_AFTER", c.ReconcileStaleAfter},
		{"SHUTDOWN_DRAIN_TIMEOUT", c.ShutdownDrainTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be a positive duration", d.key)
		}
	}
	return nil
}
