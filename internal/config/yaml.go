package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level warden configuration file.
type YAMLConfig struct {
	Server       ServerConfig      `yaml:"server"`
	Auth         AuthConfig        `yaml:"auth"`
	Store        StoreConfig       `yaml:"store"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
	Breaker      BreakerConfig     `yaml:"breaker"`
	Integrations []IntegrationYAML `yaml:"integrations"`
	Audit        AuditConfig       `yaml:"audit"`
	Logging      LoggingConfig     `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// AuthConfig controls identity tokens and API key digests.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTExpiry    string `yaml:"jwt_expiry"`
	KeyPepper    string `yaml:"key_pepper"`
	APIKeyHeader string `yaml:"api_key_header"`
}

// StoreConfig selects the key store backend.
type StoreConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Timeout string `yaml:"timeout"`
}

// RateLimitConfig controls per-key quotas and per-IP throttling.
type RateLimitConfig struct {
	Backend             string `yaml:"backend"`
	Window              string `yaml:"window"`
	RedisAddr           string `yaml:"redis_addr"`
	IPRequestsPerMinute int    `yaml:"ip_requests_per_minute"`
}

// BreakerConfig holds the default circuit breaker policy.
type BreakerConfig struct {
	Threshold int    `yaml:"threshold"`
	Cooldown  string `yaml:"cooldown"`
}

// IntegrationYAML defines a downstream service reachable through the
// integration proxy. Threshold and Cooldown override the breaker defaults.
type IntegrationYAML struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Threshold int    `yaml:"threshold,omitempty"`
	Cooldown  string `yaml:"cooldown,omitempty"`
}

// AuditConfig controls audit event delivery.
type AuditConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry:    "1h",
			APIKeyHeader: "X-API-Key",
		},
		Store: StoreConfig{
			Driver:  DialectSQLite,
			Timeout: "3s",
		},
		RateLimit: RateLimitConfig{
			Backend:             "memory",
			Window:              "1m",
			IPRequestsPerMinute: 300,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  "30s",
		},
		Integrations: []IntegrationYAML{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ParseDuration parses a duration string, returning fallback when s is empty
// or malformed.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
