package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GatewayURL     string
	WSURL          string
	AccessToken    string
	UserID         string
	CacheFile      string
	PageSize       int
	JumpContext    int
	TypingTTL      time.Duration
	TypingInterval time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func Load() (*Config, error) {
	// Optional; real deployments inject env directly.
	_ = godotenv.Load()

	pageSize, err := getEnvInt("PARLEY_PAGE_SIZE", 25)
	if err != nil {
		return nil, err
	}
	jumpContext, err := getEnvInt("PARLEY_JUMP_CONTEXT", 10)
	if err != nil {
		return nil, err
	}
	typingTTL, err := getEnvDuration("PARLEY_TYPING_TTL", "6s")
	if err != nil {
		return nil, err
	}
	typingInterval, err := getEnvDuration("PARLEY_TYPING_INTERVAL", "3s")
	if err != nil {
		return nil, err
	}
	reconnectMin, err := getEnvDuration("PARLEY_RECONNECT_MIN", "500ms")
	if err != nil {
		return nil, err
	}
	reconnectMax, err := getEnvDuration("PARLEY_RECONNECT_MAX", "30s")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		GatewayURL:     getEnv("PARLEY_GATEWAY_URL", "http://localhost:8080"),
		WSURL:          getEnv("PARLEY_WS_URL", "ws://localhost:8080/ws/chat"),
		AccessToken:    os.Getenv("PARLEY_TOKEN"),
		UserID:         os.Getenv("PARLEY_USER_ID"),
		CacheFile:      getEnv("PARLEY_CACHE", "parley.db"),
		PageSize:       pageSize,
		JumpContext:    jumpContext,
		TypingTTL:      typingTTL,
		TypingInterval: typingInterval,
		ReconnectMin:   reconnectMin,
		ReconnectMax:   reconnectMax,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("PARLEY_GATEWAY_URL is required")
	}
	if c.WSURL == "" {
		return fmt.Errorf("PARLEY_WS_URL is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("PARLEY_USER_ID is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PARLEY_PAGE_SIZE must be greater than 0")
	}
	if c.TypingInterval <= 0 || c.TypingTTL <= 0 {
		return fmt.Errorf("typing TTL and interval must be greater than 0")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect backoff bounds are invalid")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
