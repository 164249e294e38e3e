package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Conversions ConversionsConfig `yaml:"conversions"`
	Retry       RetryConfig       `yaml:"retry"`
	Privacy     PrivacyConfig     `yaml:"privacy"`
	Auth        AuthConfig        `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for the run lock and send pacing.
// Redis is optional; without it the run lock falls back to a Postgres
// advisory lock and pacing is disabled.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ConversionsConfig holds the destination Conversions API settings
type ConversionsConfig struct {
	BaseURL             string `yaml:"base_url"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	FallbackAccessToken string `yaml:"fallback_access_token"`
	CredentialMasterKey string `yaml:"credential_master_key"`
	TriggerToken        string `yaml:"trigger_token"`
	BatchSize           int    `yaml:"batch_size"`
	TenantConcurrency   int    `yaml:"tenant_concurrency"`
	SendsPerSecond      int    `yaml:"sends_per_second"`
}

// Timeout returns the configured timeout as a duration
func (c ConversionsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryConfig holds the delivery retry schedule
type RetryConfig struct {
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds"`
	MaxAttempts      int `yaml:"max_attempts"`
}

// BaseDelay returns the first retry delay as a duration
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff ceiling as a duration
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// PrivacyConfig holds the per-mode user-data field allow-lists, keyed by
// privacy mode name ("standard", "conservative").
type PrivacyConfig struct {
	AllowedFields map[string][]string `yaml:"allowed_fields"`
}

// AuthConfig holds Google OAuth authentication configuration
type AuthConfig struct {
	Enabled            bool   `yaml:"enabled"`
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`
	AllowedDomain      string `yaml:"allowed_domain"`
	SessionSecret      string `yaml:"session_secret"`
	CookieName         string `yaml:"cookie_name"`
	CookieMaxAge       int    `yaml:"cookie_max_age"`
}

// Load reads and parses the configuration file
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
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Conversions.BaseURL == "" {
		cfg.Conversions.BaseURL = "https://graph.facebook.com/v18.0"
	}
	if cfg.Conversions.TimeoutSeconds == 0 {
		cfg.Conversions.TimeoutSeconds = 30
	}
	if cfg.Conversions.BatchSize == 0 {
		cfg.Conversions.BatchSize = 200
	}
	if cfg.Conversions.TenantConcurrency == 0 {
		cfg.Conversions.TenantConcurrency = 4
	}
	if cfg.Conversions.SendsPerSecond == 0 {
		cfg.Conversions.SendsPerSecond = 10
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 120
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 3600
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Privacy.AllowedFields == nil {
		cfg.Privacy.AllowedFields = map[string][]string{
			"standard":     {"em", "ph", "fn", "ln", "ct", "st", "zp", "country"},
			"conservative": {"em", "country"},
		}
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "capi_session"
	}
	if cfg.Auth.CookieMaxAge == 0 {
		cfg.Auth.CookieMaxAge = 86400
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
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
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CAPI_BASE_URL"); v != "" {
		cfg.Conversions.BaseURL = v
	}
	if v := os.Getenv("CAPI_FALLBACK_ACCESS_TOKEN"); v != "" {
		cfg.Conversions.FallbackAccessToken = v
	}
	if v := os.Getenv("CAPI_CREDENTIAL_MASTER_KEY"); v != "" {
		cfg.Conversions.CredentialMasterKey = v
	}
	if v := os.Getenv("CAPI_TRIGGER_TOKEN"); v != "" {
		cfg.Conversions.TriggerToken = v
	}
	if v := os.Getenv("CAPI_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Conversions.BatchSize = n
		}
	}

	// Auth overrides
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Auth.GoogleClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Auth.GoogleClientSecret = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.Auth.SessionSecret = v
	}
	if v := os.Getenv("AUTH_ALLOWED_DOMAIN"); v != "" {
		cfg.Auth.AllowedDomain = v
	}

	return cfg, nil
}
