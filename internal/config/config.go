package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Kafka struct {
		Broker  string
		Topic   string
		GroupID string
	}
	DB struct {
		DSN string
	}
	API struct {
		Port     string
		BasePath string
		Key      string
	}
	Auth struct {
		Secret     string
		AccessTTL  time.Duration
		RefreshTTL time.Duration
	}
	Recovery struct {
		MaxAttempts int
		BaseDelay   time.Duration
		Exponential bool
	}
	Alert struct {
		FreshnessWindow time.Duration
		RatePerMinute   int
		Burst           int
	}
	Feed struct {
		SnapshotLimit      int
		TransientThreshold int
		TransientHorizon   time.Duration
	}
	Telegram struct {
		BotToken  string
		ChatID    int64
		RateLimit int
	}
	Logging struct {
		Dir   string
		Level string
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Load uses os.Getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	var cfg Config
	var bad []string

	intVar := func(key string, dst *int) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			bad = append(bad, key)
			return
		}
		*dst = v
	}
	durationVar := func(key string, dst *time.Duration) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			bad = append(bad, key)
			return
		}
		*dst = v
	}

	// Kafka settings
	cfg.Kafka.Broker = getenv("KAFKA_BROKER")
	cfg.Kafka.Topic = getenv("KAFKA_TOPIC")
	cfg.Kafka.GroupID = getenv("KAFKA_GROUP_ID")

	// Database DSN
	cfg.DB.DSN = getenv("DB_DSN")

	// API settings
	cfg.API.Port = getenv("API_PORT")
	cfg.API.BasePath = getenv("API_BASE_PATH")
	cfg.API.Key = getenv("API_KEY")

	// Credentials
	cfg.Auth.Secret = getenv("AUTH_SECRET")
	durationVar("AUTH_ACCESS_TTL", &cfg.Auth.AccessTTL)
	durationVar("AUTH_REFRESH_TTL", &cfg.Auth.RefreshTTL)

	// Recovery policy
	intVar("RECOVERY_MAX_ATTEMPTS", &cfg.Recovery.MaxAttempts)
	durationVar("RECOVERY_BASE_DELAY", &cfg.Recovery.BaseDelay)
	if raw := strings.TrimSpace(getenv("RECOVERY_EXPONENTIAL")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			bad = append(bad, "RECOVERY_EXPONENTIAL")
		}
		cfg.Recovery.Exponential = v
	}

	// Local alerts
	durationVar("ALERT_FRESHNESS_WINDOW", &cfg.Alert.FreshnessWindow)
	intVar("ALERT_RATE_PER_MINUTE", &cfg.Alert.RatePerMinute)
	intVar("ALERT_BURST", &cfg.Alert.Burst)

	// Feed
	intVar("FEED_SNAPSHOT_LIMIT", &cfg.Feed.SnapshotLimit)
	intVar("FEED_TRANSIENT_THRESHOLD", &cfg.Feed.TransientThreshold)
	durationVar("FEED_TRANSIENT_HORIZON", &cfg.Feed.TransientHorizon)

	// Telegram mirror
	cfg.Telegram.BotToken = getenv("TELEGRAM_BOT_TOKEN")
	if raw := strings.TrimSpace(getenv("TELEGRAM_CHAT_ID")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			bad = append(bad, "TELEGRAM_CHAT_ID")
		}
		cfg.Telegram.ChatID = v
	}
	intVar("TELEGRAM_RATE_LIMIT", &cfg.Telegram.RateLimit)

	// Logging
	cfg.Logging.Dir = getenv("LOG_DIR")
	cfg.Logging.Level = getenv("LOG_LEVEL")

	if len(bad) > 0 {
		return Config{}, fmt.Errorf("invalid configuration values: %v", bad)
	}

	// Validate required settings
	missing := []string{}
	if cfg.DB.DSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if cfg.Auth.Secret == "" {
		missing = append(missing, "AUTH_SECRET")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configurations: %v", missing)
	}

	// Apply defaults
	if cfg.API.Port == "" {
		cfg.API.Port = ":8080"
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = "/api/v0"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "plant_notifications"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "notification-service"
	}
	if cfg.Auth.AccessTTL == 0 {
		cfg.Auth.AccessTTL = 15 * time.Minute
	}
	if cfg.Auth.RefreshTTL == 0 {
		cfg.Auth.RefreshTTL = 12 * time.Hour
	}
	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery.MaxAttempts = 3
	}
	if cfg.Recovery.BaseDelay == 0 {
		cfg.Recovery.BaseDelay = time.Second
	}
	if cfg.Alert.FreshnessWindow == 0 {
		cfg.Alert.FreshnessWindow = 10 * time.Second
	}
	if cfg.Alert.RatePerMinute == 0 {
		cfg.Alert.RatePerMinute = 30
	}
	if cfg.Alert.Burst == 0 {
		cfg.Alert.Burst = 5
	}
	if cfg.Feed.SnapshotLimit == 0 {
		cfg.Feed.SnapshotLimit = 200
	}
	if cfg.Feed.TransientThreshold == 0 {
		cfg.Feed.TransientThreshold = 3
	}
	if cfg.Feed.TransientHorizon == 0 {
		cfg.Feed.TransientHorizon = 30 * time.Second
	}
	if cfg.Telegram.RateLimit == 0 {
		cfg.Telegram.RateLimit = 1
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return cfg, nil
}
