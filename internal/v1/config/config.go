package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Shared substrate (optional; empty means local-only mode)
	RedisURL      string
	RedisPassword string

	// Session gating
	RequireCode bool
	TrustProxy  bool

	// Identify pool
	IdentifyWorkers int
	IdentifyCmd     string

	// Play history (optional)
	HistoryDBURL string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Outbound lookups
	YouTubeAPIKey     string
	YouTubeQuotaLimit int

	// Rate Limits
	RateLimitAPI      string
	RateLimitIdentify string
	RateLimitWsIP     string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: REDIS_URL (host:port). Empty means single-instance local-only mode.
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL != "" && !isValidHostPort(cfg.RedisURL) {
		errors = append(errors, fmt.Sprintf("REDIS_URL must be in format 'host:port' (got '%s')", cfg.RedisURL))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Optional: REQUIRE_CODE (defaults to true; disabling binds everyone to the open session)
	cfg.RequireCode = os.Getenv("REQUIRE_CODE") != "false"
	cfg.TrustProxy = os.Getenv("TRUST_PROXY") == "true"

	// Optional: IDENTIFY_WORKERS (defaults to max(2, cores-1))
	if raw := os.Getenv("IDENTIFY_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("IDENTIFY_WORKERS must be a positive integer (got '%s')", raw))
		} else {
			cfg.IdentifyWorkers = n
		}
	} else {
		cfg.IdentifyWorkers = defaultWorkerCount()
	}
	cfg.IdentifyCmd = getEnvOrDefault("IDENTIFY_CMD", "songrec audio-file-to-recognized-song")

	cfg.HistoryDBURL = os.Getenv("HISTORY_DB_URL")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.YouTubeAPIKey = os.Getenv("YOUTUBE_API_KEY")
	if raw := os.Getenv("YOUTUBE_QUOTA_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("YOUTUBE_QUOTA_LIMIT must be a positive integer (got '%s')", raw))
		} else {
			cfg.YouTubeQuotaLimit = n
		}
	} else {
		cfg.YouTubeQuotaLimit = 500
	}

	// Rate Limits (ulule format for the WS-connect limiter, count-per-window for the rest)
	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "120-M")
	cfg.RateLimitIdentify = getEnvOrDefault("RATE_LIMIT_IDENTIFY", "10-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func defaultWorkerCount() int {
	n := runtime.NumCPU() - 1
	if n < 2 {
		n = 2
	}
	return n
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_url", cfg.RedisURL,
		"require_code", cfg.RequireCode,
		"trust_proxy", cfg.TrustProxy,
		"identify_workers", cfg.IdentifyWorkers,
		"history_db", cfg.HistoryDBURL != "",
		"youtube_api_key", redactSecret(cfg.YouTubeAPIKey),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
