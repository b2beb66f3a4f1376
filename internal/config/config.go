package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnMaxLife  time.Duration
	TxTimeout      time.Duration
	MigrateOnServe bool

	// Signing link
	SigningSecret string

	// Sweep
	SweepInterval  time.Duration
	SweepBatchSize int

	// Relay
	RelayInterval        time.Duration
	RelayBatchSize       int
	RelayMaxConcurrent   int
	RelayMaxAttempts     int
	EventRetentionDays   int
	EventCleanupInterval time.Duration

	// Reminder
	ReminderInterval time.Duration
	ReminderAfter    time.Duration

	// Notify
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	NotifyTimeout       time.Duration

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitSigning int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	TrustProxy bool

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SigningSecret = os.Getenv("SIGNING_SECRET")
	if cfg.SigningSecret == "" {
		missing = append(missing, "SIGNING_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLife = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.TxTimeout = getEnvDuration("TX_TIMEOUT", 5*time.Second)
	cfg.MigrateOnServe = getEnvBool("MIGRATE_ON_SERVE", false)

	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 5*time.Minute)
	cfg.SweepBatchSize = getEnvInt("SWEEP_BATCH_SIZE", 100)

	cfg.RelayInterval = getEnvDuration("RELAY_INTERVAL", 5*time.Second)
	cfg.RelayBatchSize = getEnvInt("RELAY_BATCH_SIZE", 50)
	cfg.RelayMaxConcurrent = getEnvInt("RELAY_MAX_CONCURRENT", 5)
	cfg.RelayMaxAttempts = getEnvInt("RELAY_MAX_ATTEMPTS", 10)
	cfg.EventRetentionDays = getEnvInt("EVENT_RETENTION_DAYS", 30)
	cfg.EventCleanupInterval = getEnvDuration("EVENT_CLEANUP_INTERVAL", 24*time.Hour)

	cfg.ReminderInterval = getEnvDuration("REMINDER_INTERVAL", time.Hour)
	cfg.ReminderAfter = getEnvDuration("REMINDER_AFTER", 72*time.Hour)

	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.NotifyWebhookSecret = getEnvString("NOTIFY_WEBHOOK_SECRET", "")
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSigning = getEnvInt("RATE_LIMIT_SIGNING", 30)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.NotifyWebhookURL != "" && cfg.NotifyWebhookSecret == "" {
		return nil, fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}

	return cfg, nil
}

// EventRetention はイベント保持期間をDurationで返す。
func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
