package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is shared by the chat client and the development relay. Fields that
// only one side uses are ignored by the other.
type Config struct {
	ServerURL string
	Token     string
	UserID    string

	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	AutoReconnect        bool
	TypingTimeout        time.Duration

	CacheDB string

	APIAddr        string
	AdminAddr      string
	RelayRateLimit float64
	FilesDir       string
	TokenExpiry    time.Duration

	LogFormat string
	LogLevel  string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load(clientMode bool) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL: %w", err)
	}
	reconnect, err := time.ParseDuration(getEnv("RECONNECT_INTERVAL", "3s"))
	if err != nil {
		return nil, fmt.Errorf("RECONNECT_INTERVAL: %w", err)
	}
	maxDelay, err := time.ParseDuration(getEnv("MAX_RECONNECT_DELAY", "30s"))
	if err != nil {
		return nil, fmt.Errorf("MAX_RECONNECT_DELAY: %w", err)
	}
	typing, err := time.ParseDuration(getEnv("TYPING_TIMEOUT", "3s"))
	if err != nil {
		return nil, fmt.Errorf("TYPING_TIMEOUT: %w", err)
	}
	attempts, err := strconv.Atoi(getEnv("MAX_RECONNECT_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("MAX_RECONNECT_ATTEMPTS: %w", err)
	}
	autoReconnect, err := strconv.ParseBool(getEnv("AUTO_RECONNECT", "true"))
	if err != nil {
		return nil, fmt.Errorf("AUTO_RECONNECT: %w", err)
	}
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "12h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}
	rateLimit, err := strconv.ParseFloat(getEnv("RELAY_RATE_LIMIT", "20"), 64)
	if err != nil {
		return nil, fmt.Errorf("RELAY_RATE_LIMIT: %w", err)
	}

	cfg := &Config{
		ServerURL:            getEnv("MARKETCHAT_URL", "ws://localhost:8080/ws"),
		Token:                os.Getenv("MARKETCHAT_TOKEN"),
		UserID:               os.Getenv("MARKETCHAT_USER_ID"),
		HeartbeatInterval:    heartbeat,
		ReconnectInterval:    reconnect,
		MaxReconnectDelay:    maxDelay,
		MaxReconnectAttempts: attempts,
		AutoReconnect:        autoReconnect,
		TypingTimeout:        typing,
		CacheDB:              os.Getenv("CACHE_DB"),
		APIAddr:              getEnv("API_ADDR", ":8080"),
		AdminAddr:            getEnv("ADMIN_ADDR", "localhost:8081"),
		RelayRateLimit:       rateLimit,
		FilesDir:             getEnv("FILES_DIR", "files"),
		TokenExpiry:          tokenExpiry,
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(clientMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(clientMode bool) error {
	if clientMode {
		if c.UserID == "" {
			return fmt.Errorf("MARKETCHAT_USER_ID is required")
		}
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("MARKETCHAT_URL is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("MARKETCHAT_URL must use ws or wss, got %q", u.Scheme)
		}
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("RECONNECT_INTERVAL must be greater than 0")
	}
	if c.MaxReconnectDelay < c.ReconnectInterval {
		return fmt.Errorf("MAX_RECONNECT_DELAY must not be less than RECONNECT_INTERVAL")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be greater than 0")
	}
	if !clientMode {
		if c.RelayRateLimit <= 0 {
			return fmt.Errorf("RELAY_RATE_LIMIT must be greater than 0")
		}
		if c.FilesDir == "" {
			return fmt.Errorf("FILES_DIR must not be empty")
		}
		if c.TokenExpiry <= 0 {
			return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
