// Package config validates process-level environment configuration in an
// accumulate-all-errors style: every required variable is checked before
// returning, so an operator sees every problem in one pass instead of
// fixing them one at a time.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the experimentd binary.
type Config struct {
	// Required
	SessionSecret string // signs/validates session tokens
	Port          string
	ScenesPath    string // path to the researcher's experiment definition (YAML)

	// Optional, defaulted
	GoEnv    string
	LogLevel string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	AdminPassword  string // optional; a register message carrying it flags the connection as researcher (admin_* opcodes)
	AllowedOrigins string
	DevMode        bool

	StepperSidecarAddr string // optional external Stepper process, health-checked only

	DataDir string // local JSON-lines DataSink output directory

	RateLimitConnectIP   string
	RateLimitConnectUser string

	OTelCollectorAddr string // optional OTLP/gRPC collector address; tracing is disabled when empty
}

// ValidateEnv validates all required environment variables and returns a
// populated Config, or a single error aggregating every problem found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		errs = append(errs, "SESSION_SECRET is required")
	} else if len(cfg.SessionSecret) < 32 {
		errs = append(errs, fmt.Sprintf("SESSION_SECRET must be at least 32 characters (got %d)", len(cfg.SessionSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.ScenesPath = os.Getenv("SCENES_PATH")
	if cfg.ScenesPath == "" {
		errs = append(errs, "SCENES_PATH is required")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"
	cfg.StepperSidecarAddr = os.Getenv("STEPPER_SIDECAR_ADDR")
	cfg.DataDir = getEnvOrDefault("DATA_DIR", "./data")

	cfg.RateLimitConnectIP = getEnvOrDefault("RATE_LIMIT_CONNECT_IP", "100-M")
	cfg.RateLimitConnectUser = getEnvOrDefault("RATE_LIMIT_CONNECT_USER", "10-M")

	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port > 0 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"session_secret", redactSecret(cfg.SessionSecret),
		"port", cfg.Port,
		"scenes_path", cfg.ScenesPath,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"dev_mode", cfg.DevMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
