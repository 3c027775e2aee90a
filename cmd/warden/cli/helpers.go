package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/faucetdb/warden/internal/audit"
	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/service"
)

// devJWTSecret signs tokens in --dev mode when no secret is configured.
const devJWTSecret = "warden-dev-secret-change-me"

var errNoJWTSecret = errors.New("auth.jwt_secret is not set: set WARDEN_AUTH_JWT_SECRET or pass --dev")

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// cliIdentity is the actor recorded for changes made from the command line.
var cliIdentity = model.Identity{Subject: "cli", IsSuperuser: true, IsActive: true}

// resolveDataDir returns the data directory from --data-dir flag,
// WARDEN_DATA_DIR env var, or ~/.warden as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("WARDEN_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".warden")
}

// loadConfig returns the effective configuration: defaults, then the config
// file viper found, then WARDEN_* environment overrides.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := config.LoadYAMLConfig(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}

	overrideString(&cfg.Server.Host, "server.host")
	overrideInt(&cfg.Server.Port, "server.port")
	overrideString(&cfg.Auth.JWTSecret, "auth.jwt_secret")
	overrideString(&cfg.Auth.KeyPepper, "auth.key_pepper")
	overrideString(&cfg.Auth.APIKeyHeader, "auth.api_key_header")
	overrideString(&cfg.Store.Driver, "store.driver")
	overrideString(&cfg.Store.DSN, "store.dsn")
	overrideString(&cfg.RateLimit.Backend, "rate_limit.backend")
	overrideString(&cfg.RateLimit.RedisAddr, "rate_limit.redis_addr")
	overrideString(&cfg.Audit.WebhookURL, "audit.webhook_url")
	overrideString(&cfg.Audit.WebhookSecret, "audit.webhook_secret")
	overrideString(&cfg.Logging.Level, "logging.level")
	overrideString(&cfg.Logging.Format, "logging.format")

	return cfg, nil
}

// jwtSecret returns the configured token signing secret. The development
// secret is only handed out in dev mode.
func jwtSecret(cfg *config.YAMLConfig, dev bool) (secret string, fallback bool, err error) {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret, false, nil
	}
	if !dev {
		return "", false, errNoJWTSecret
	}
	return devJWTSecret, true, nil
}

func overrideString(dst *string, key string) {
	if viper.IsSet(key) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
}

func overrideInt(dst *int, key string) {
	if viper.IsSet(key) {
		if v := viper.GetInt(key); v != 0 {
			*dst = v
		}
	}
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the configured key store. Without a DSN the SQLite store
// lives under the data directory.
func openStore(cfg *config.YAMLConfig) (*config.Store, error) {
	driver := cfg.Store.Driver
	if cfg.Store.DSN == "" {
		if driver != "" && driver != config.DialectSQLite {
			return nil, fmt.Errorf("store.dsn is required for the %s driver", driver)
		}
		return config.NewStore(resolveDataDir())
	}
	return config.Open(driver, cfg.Store.DSN)
}

// newBreakers builds the registry with per-integration overrides.
func newBreakers(cfg *config.YAMLConfig, logger *slog.Logger) *circuitbreaker.Registry {
	defaults := circuitbreaker.DefaultConfig()
	services := make(map[string]circuitbreaker.Config, len(cfg.Integrations))
	for _, in := range cfg.Integrations {
		services[in.Name] = circuitbreaker.Config{
			Threshold: in.Threshold,
			Cooldown:  config.ParseDuration(in.Cooldown, 0),
		}
	}
	return circuitbreaker.NewRegistry(circuitbreaker.RegistryConfig{
		Default: circuitbreaker.Config{
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  config.ParseDuration(cfg.Breaker.Cooldown, defaults.Cooldown),
		},
		Services: services,
	}, logger)
}

// newAuditSink fans events out to the store, the log and the optional webhook.
func newAuditSink(cfg *config.YAMLConfig, store *config.Store, breakers *circuitbreaker.Registry, logger *slog.Logger) *audit.Multi {
	sinks := []audit.Sink{audit.NewStoreSink(store), audit.NewLogSink(logger)}
	if cfg.Audit.WebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookSink(
			cfg.Audit.WebhookURL,
			cfg.Audit.WebhookSecret,
			0,
			breakers.Get(audit.WebhookBreakerName),
		))
	}
	return audit.NewMulti(sinks...)
}

// newKeyService creates the API key service over store.
func newKeyService(cfg *config.YAMLConfig, store *config.Store, sink service.AuditSink, logger *slog.Logger) *service.APIKeyService {
	if cfg.Auth.KeyPepper == "" {
		logger.Warn("auth.key_pepper is not set; key digests are unpeppered")
	}
	return service.NewAPIKeyService(store, sink, service.APIKeyOptions{
		Pepper: cfg.Auth.KeyPepper,
		Storage: service.StoragePolicy{
			Timeout: config.ParseDuration(cfg.Store.Timeout, 3*time.Second),
			Retries: 2,
		},
	}, logger)
}

// integrationTargets maps integration names to upstream URLs.
func integrationTargets(cfg *config.YAMLConfig) map[string]string {
	out := make(map[string]string, len(cfg.Integrations))
	for _, in := range cfg.Integrations {
		out[in.Name] = in.URL
	}
	return out
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
