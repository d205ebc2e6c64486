package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv wipes every variable ValidateEnv reads so tests control the whole
// surface. t.Setenv registers restoration; the unset makes LookupEnv miss.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "REDIS_URL", "REDIS_PASSWORD", "REQUIRE_CODE", "TRUST_PROXY",
		"IDENTIFY_WORKERS", "IDENTIFY_CMD", "HISTORY_DB_URL", "GO_ENV",
		"LOG_LEVEL", "DEVELOPMENT_MODE", "ALLOWED_ORIGINS", "YOUTUBE_API_KEY",
		"YOUTUBE_QUOTA_LIMIT", "RATE_LIMIT_API", "RATE_LIMIT_IDENTIFY",
		"RATE_LIMIT_WS_IP",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestValidateEnv_RequiresPort(t *testing.T) {
	clearEnv(t)

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT is required")
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
}

func TestValidateEnv_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.RedisURL)
	assert.True(t, cfg.RequireCode)
	assert.False(t, cfg.TrustProxy)
	assert.GreaterOrEqual(t, cfg.IdentifyWorkers, 2)
	assert.Equal(t, "songrec audio-file-to-recognized-song", cfg.IdentifyCmd)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 500, cfg.YouTubeQuotaLimit)
	assert.Equal(t, "120-M", cfg.RateLimitAPI)
	assert.Equal(t, "10-M", cfg.RateLimitIdentify)
	assert.Equal(t, "60-M", cfg.RateLimitWsIP)
}

func TestValidateEnv_FullConfiguration(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_URL", "redis.internal:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REQUIRE_CODE", "false")
	t.Setenv("TRUST_PROXY", "true")
	t.Setenv("IDENTIFY_WORKERS", "4")
	t.Setenv("IDENTIFY_CMD", "recognizer --json")
	t.Setenv("HISTORY_DB_URL", "postgres://relay@db/history")
	t.Setenv("YOUTUBE_API_KEY", "yt-key-1234567890")
	t.Setenv("YOUTUBE_QUOTA_LIMIT", "100")

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.RedisURL)
	assert.Equal(t, "secret", cfg.RedisPassword)
	assert.False(t, cfg.RequireCode)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, 4, cfg.IdentifyWorkers)
	assert.Equal(t, "recognizer --json", cfg.IdentifyCmd)
	assert.Equal(t, "postgres://relay@db/history", cfg.HistoryDBURL)
	assert.Equal(t, 100, cfg.YouTubeQuotaLimit)
}

func TestValidateEnv_InvalidRedisURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_URL", "not-a-host-port")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestValidateEnv_AccumulatesErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "abc")
	t.Setenv("REDIS_URL", "bad")
	t.Setenv("IDENTIFY_WORKERS", "-1")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "REDIS_URL")
	assert.Contains(t, err.Error(), "IDENTIFY_WORKERS")
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"localhost:6379", true},
		{"redis.example.com:6380", true},
		{"10.0.0.1:1", true},
		{"localhost", false},
		{"localhost:0", false},
		{"localhost:70000", false},
		{":6379", false},
		{"host:port", false},
		{"a:b:c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isValidHostPort(tt.addr), "addr %q", tt.addr)
	}
}

func TestRedactSecret(t *testing.T) {
	assert.Empty(t, redactSecret(""))
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "12345678***", redactSecret("1234567890abcdef"))
}

func TestDefaultWorkerCount(t *testing.T) {
	assert.GreaterOrEqual(t, defaultWorkerCount(), 2)
}
