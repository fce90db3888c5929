package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Storage
	AccountsDBPath    string
	OperationalDBPath string
	EncryptionKeyFile string

	// Inbound auth (optional static token)
	ProxyAPIKey string

	// Upstream
	UpstreamBaseURL  string
	UsageEndpoint    string
	OpenAIBetaHeader string
	OAuthClientID    string
	OAuthTokenURL    string

	// Selection
	SnapshotTTL       time.Duration
	SelectionStrategy string // "reset_first" or "waste_pressure"
	MaxAttempts       int

	// Sticky sessions
	StickyBackend string // "memory" or "db"
	StickyTTL     time.Duration

	// Streaming
	StreamBufferMode      string // "off" or "prelude"
	StreamPreludeTimeout  time.Duration
	StreamIdleTimeout     time.Duration
	StreamBufferMaxBytes  int
	CompactRequestTimeout time.Duration

	// Mark engine
	UsageLimitMinCooldown        time.Duration
	UsageLimitMaxInitialCooldown time.Duration
	UsageLimitEscalateStreak     int
	ResetPersistThreshold        time.Duration

	// Usage refresh
	UsageRefreshInterval    time.Duration
	UsageRefreshConcurrency int

	// Request logs
	LogBufferEnabled    bool
	LogRetentionDays    int
	TokenRefreshAdvance time.Duration

	// Debug
	DebugEndpoints bool

	// Logging
	LogLevel string
}

func Load() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".codex-lb")

	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		AccountsDBPath:    envOr("ACCOUNTS_DATABASE_URL", filepath.Join(base, "accounts.db")),
		OperationalDBPath: envOr("DATABASE_URL", filepath.Join(base, "store.db")),
		EncryptionKeyFile: envOr("ENCRYPTION_KEY_FILE", filepath.Join(base, "encryption.key")),

		ProxyAPIKey: os.Getenv("PROXY_API_KEY"),

		UpstreamBaseURL:  envOr("UPSTREAM_BASE_URL", "https://chatgpt.com/backend-api/codex"),
		UsageEndpoint:    envOr("UPSTREAM_USAGE_URL", "https://chatgpt.com/backend-api/wham/usage"),
		OpenAIBetaHeader: envOr("OPENAI_BETA_HEADER", "responses=experimental"),
		OAuthClientID:    envOr("OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
		OAuthTokenURL:    envOr("OAUTH_TOKEN_URL", "https://auth.openai.com/oauth/token"),

		SnapshotTTL:       envSeconds("PROXY_SNAPSHOT_TTL_SECONDS", 5*time.Second),
		SelectionStrategy: envOr("SELECTION_STRATEGY", "reset_first"),
		MaxAttempts:       envInt("MAX_ATTEMPTS", 3),

		StickyBackend: envOr("STICKY_SESSIONS_BACKEND", "memory"),
		StickyTTL:     envSeconds("STICKY_SESSION_TTL_SECONDS", 3600*time.Second),

		StreamBufferMode:      envOr("STREAM_BUFFER_MODE", "off"),
		StreamPreludeTimeout:  envMillis("STREAM_BUFFER_PRELUDE_TIMEOUT_MS", 750*time.Millisecond),
		StreamIdleTimeout:     envSeconds("STREAM_IDLE_TIMEOUT_SECONDS", 300*time.Second),
		StreamBufferMaxBytes:  envInt("STREAM_BUFFER_MAX_BYTES", 64*1024),
		CompactRequestTimeout: envSeconds("COMPACT_REQUEST_TIMEOUT_SECONDS", 300*time.Second),

		UsageLimitMinCooldown:        envSeconds("USAGE_LIMIT_REACHED_MIN_COOLDOWN_SECONDS", 60*time.Second),
		UsageLimitMaxInitialCooldown: envSeconds("USAGE_LIMIT_REACHED_MAX_INITIAL_COOLDOWN_SECONDS", 300*time.Second),
		UsageLimitEscalateStreak:     envInt("USAGE_LIMIT_REACHED_ESCALATE_STREAK_THRESHOLD", 3),
		ResetPersistThreshold:        envSeconds("RESET_PERSIST_THRESHOLD_SECONDS", 300*time.Second),

		UsageRefreshInterval:    envSeconds("USAGE_REFRESH_INTERVAL_SECONDS", 60*time.Second),
		UsageRefreshConcurrency: envInt("USAGE_REFRESH_CONCURRENCY", 8),

		LogBufferEnabled:    envBool("REQUEST_LOGS_BUFFER_ENABLED", true),
		LogRetentionDays:    envInt("REQUEST_LOGS_RETENTION_DAYS", 30),
		TokenRefreshAdvance: envSeconds("TOKEN_REFRESH_ADVANCE_SECONDS", 60*time.Second),

		DebugEndpoints: envBool("DEBUG_ENDPOINTS_ENABLED", false),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.AccountsDBPath == c.OperationalDBPath {
		return errConflict("ACCOUNTS_DATABASE_URL", "DATABASE_URL")
	}
	if c.EncryptionKeyFile == "" {
		return errMissing("ENCRYPTION_KEY_FILE")
	}
	if c.StickyBackend != "memory" && c.StickyBackend != "db" {
		return errInvalid("STICKY_SESSIONS_BACKEND", c.StickyBackend)
	}
	if c.StreamBufferMode != "off" && c.StreamBufferMode != "prelude" {
		return errInvalid("STREAM_BUFFER_MODE", c.StreamBufferMode)
	}
	if c.SelectionStrategy != "reset_first" && c.SelectionStrategy != "waste_pressure" {
		return errInvalid("SELECTION_STRATEGY", c.SelectionStrategy)
	}
	if c.MaxAttempts < 1 {
		return errInvalid("MAX_ATTEMPTS", strconv.Itoa(c.MaxAttempts))
	}
	return nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func errMissing(f string) error { return &configError{msg: "missing required env: " + f} }
func errInvalid(f, v string) error {
	return &configError{msg: "invalid value for " + f + ": " + v}
}
func errConflict(a, b string) error {
	return &configError{msg: a + " and " + b + " must point to different databases"}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
