package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the learning assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL string

	BrainMode     string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	BrainTimeout  time.Duration

	HeartbeatInterval time.Duration
	SubscriberBuffer  int
	SubscriberPolicy  string

	HistoryWindow      int
	MessageTruncateLen int
	SuggestionCount    int

	JobTimeout      time.Duration
	JobRetention    time.Duration
	JanitorInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "ada"),
		AllowAnyOrigin:     false,
		DatabaseURL:        trimmedEnv("DATABASE_URL"),
		BrainMode:          envOrDefault("BRAIN_MODE", "auto"),
		OpenAIAPIKey:       trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:      trimmedEnv("OPENAI_BASE_URL"),
		OpenAIModel:        trimmedEnv("OPENAI_MODEL"),
		SubscriberPolicy:   envOrDefault("APP_SUBSCRIBER_POLICY", "drop_oldest"),
		ShutdownTimeout:    15 * time.Second,
		BrainTimeout:       60 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		SubscriberBuffer:   256,
		HistoryWindow:      12,
		MessageTruncateLen: 500,
		SuggestionCount:    3,
		JobTimeout:         10 * time.Minute,
		JobRetention:       10 * time.Minute,
		JanitorInterval:    30 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BrainTimeout, err = durationFromEnv("APP_BRAIN_TIMEOUT", cfg.BrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.JobTimeout, err = durationFromEnv("APP_JOB_TIMEOUT", cfg.JobTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JobRetention, err = durationFromEnv("APP_JOB_RETENTION", cfg.JobRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SubscriberBuffer, err = intFromEnv("APP_SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryWindow, err = intFromEnv("APP_HISTORY_WINDOW", cfg.HistoryWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.MessageTruncateLen, err = intFromEnv("APP_MESSAGE_TRUNCATE_LEN", cfg.MessageTruncateLen)
	if err != nil {
		return Config{}, err
	}
	cfg.SuggestionCount, err = intFromEnv("APP_SUGGESTION_COUNT", cfg.SuggestionCount)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.BrainTimeout < time.Second {
		return Config{}, fmt.Errorf("APP_BRAIN_TIMEOUT must be at least 1s")
	}
	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.SubscriberBuffer <= 0 {
		return Config{}, fmt.Errorf("APP_SUBSCRIBER_BUFFER must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_WINDOW must be positive")
	}
	if cfg.MessageTruncateLen <= 0 {
		return Config{}, fmt.Errorf("APP_MESSAGE_TRUNCATE_LEN must be positive")
	}
	if cfg.SuggestionCount <= 0 {
		return Config{}, fmt.Errorf("APP_SUGGESTION_COUNT must be positive")
	}
	switch cfg.SubscriberPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return Config{}, fmt.Errorf("invalid APP_SUBSCRIBER_POLICY: %q (expected drop_oldest|drop_newest)", cfg.SubscriberPolicy)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: invalid boolean %q", key, v)
	}
}
