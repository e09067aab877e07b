package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr           string
	LogLevel             string
	StoreMode            string
	DatabaseURL          string
	SessionEncryptionKey string

	JWTSecret     string
	TokenTTL      time.Duration
	AdminUsername string
	AdminPassword string
	AdminEmail    string

	ProviderMode          string
	SimulatedPairingDelay time.Duration
	SimulatedReadyDelay   time.Duration

	MessageFooter    string
	AutoReplyTrigger string
	AutoReplyText    string

	MaxInitAttempts     int
	InitRetryDelay      time.Duration
	ConnectTimeout      time.Duration
	CooldownPeriod      time.Duration
	SendReadyTimeout    time.Duration
	InactivityThreshold time.Duration
	ReapInterval        time.Duration

	LoginWindow           time.Duration
	LoginMaxAttempts      int
	ThrottleRetention     time.Duration
	ThrottleSweepInterval time.Duration

	MediaFetchTimeout time.Duration
	MediaMaxBytes     int64

	WebhookURL        string
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	WebhookRetryBase  time.Duration
	WebhookRetryMax   time.Duration

	TelegramBotToken string
	TelegramChatID   string
}

func Load() Config {
	return Config{
		ListenAddr:           getEnv("LISTEN_ADDR", ":18090"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		StoreMode:            getEnv("STORE_MODE", "postgres"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		SessionEncryptionKey: getEnv("SESSION_ENCRYPTION_KEY", ""),

		JWTSecret:     getEnv("JWT_SECRET", "change-this-secret"),
		TokenTTL:      getDuration("TOKEN_TTL", 24*time.Hour),
		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", "change-me"),
		AdminEmail:    getEnv("ADMIN_EMAIL", "admin@localhost"),

		ProviderMode:          getEnv("PROVIDER_MODE", "simulated"),
		SimulatedPairingDelay: getDuration("SIMULATED_PAIRING_DELAY", 100*time.Millisecond),
		SimulatedReadyDelay:   getDuration("SIMULATED_READY_DELAY", 0),

		MessageFooter:    getEnv("MESSAGE_FOOTER", ""),
		AutoReplyTrigger: getEnv("AUTO_REPLY_TRIGGER", ""),
		AutoReplyText:    getEnv("AUTO_REPLY_TEXT", ""),

		MaxInitAttempts:     getInt("MAX_INIT_ATTEMPTS", 3),
		InitRetryDelay:      getDuration("INIT_RETRY_DELAY", 5*time.Second),
		ConnectTimeout:      getDuration("CONNECT_TIMEOUT", 30*time.Second),
		CooldownPeriod:      getDuration("COOLDOWN_PERIOD", 60*time.Second),
		SendReadyTimeout:    getDuration("SEND_READY_TIMEOUT", 30*time.Second),
		InactivityThreshold: getDuration("INACTIVITY_THRESHOLD", 24*time.Hour),
		ReapInterval:        getDuration("REAP_INTERVAL", time.Hour),

		LoginWindow:           getDuration("LOGIN_WINDOW", 15*time.Minute),
		LoginMaxAttempts:      getInt("LOGIN_MAX_ATTEMPTS", 8),
		ThrottleRetention:     getDuration("THROTTLE_RETENTION", 24*time.Hour),
		ThrottleSweepInterval: getDuration("THROTTLE_SWEEP_INTERVAL", time.Hour),

		MediaFetchTimeout: getDuration("MEDIA_FETCH_TIMEOUT", 15*time.Second),
		MediaMaxBytes:     getInt64("MEDIA_MAX_BYTES", 16<<20),

		WebhookURL:        getEnv("WEBHOOK_URL", ""),
		WebhookTimeout:    getDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookMaxRetries: getInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryBase:  getDuration("WEBHOOK_RETRY_BASE", 500*time.Millisecond),
		WebhookRetryMax:   getDuration("WEBHOOK_RETRY_MAX", 5*time.Second),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
