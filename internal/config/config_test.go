package config

import (
	"testing"
	"time"
)

// clearCoreEnv blanks every variable Load reads so host settings cannot leak
// into assertions.
func clearCoreEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_BIND_ADDR",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_BRAIN_TIMEOUT",
		"APP_HEARTBEAT_INTERVAL",
		"APP_JOB_TIMEOUT",
		"APP_JOB_RETENTION",
		"APP_JANITOR_INTERVAL",
		"APP_SUBSCRIBER_BUFFER",
		"APP_SUBSCRIBER_POLICY",
		"APP_HISTORY_WINDOW",
		"APP_MESSAGE_TRUNCATE_LEN",
		"APP_SUGGESTION_COUNT",
		"DATABASE_URL",
		"BRAIN_MODE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_MODEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearCoreEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "ada" {
		t.Fatalf("MetricsNamespace = %q, want ada", cfg.MetricsNamespace)
	}
	if cfg.BrainMode != "auto" {
		t.Fatalf("BrainMode = %q, want auto", cfg.BrainMode)
	}
	if cfg.BrainTimeout != 60*time.Second {
		t.Fatalf("BrainTimeout = %v, want 60s", cfg.BrainTimeout)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.SubscriberBuffer != 256 || cfg.SubscriberPolicy != "drop_oldest" {
		t.Fatalf("subscriber settings = %d/%q, want 256/drop_oldest", cfg.SubscriberBuffer, cfg.SubscriberPolicy)
	}
	if cfg.HistoryWindow != 12 || cfg.MessageTruncateLen != 500 || cfg.SuggestionCount != 3 {
		t.Fatalf("conversation settings = %d/%d/%d", cfg.HistoryWindow, cfg.MessageTruncateLen, cfg.SuggestionCount)
	}
	if cfg.JobTimeout != 10*time.Minute || cfg.JobRetention != 10*time.Minute {
		t.Fatalf("job settings = %v/%v", cfg.JobTimeout, cfg.JobRetention)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin defaulted to true")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearCoreEnv(t)
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("APP_BRAIN_TIMEOUT", "90s")
	t.Setenv("APP_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("APP_SUBSCRIBER_BUFFER", "32")
	t.Setenv("APP_SUBSCRIBER_POLICY", "drop_newest")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")
	t.Setenv("BRAIN_MODE", "mock")
	t.Setenv("DATABASE_URL", "  postgres://localhost/ada  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.BrainTimeout != 90*time.Second {
		t.Fatalf("BrainTimeout = %v, want 90s", cfg.BrainTimeout)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.SubscriberBuffer != 32 || cfg.SubscriberPolicy != "drop_newest" {
		t.Fatalf("subscriber settings = %d/%q", cfg.SubscriberBuffer, cfg.SubscriberPolicy)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.BrainMode != "mock" {
		t.Fatalf("BrainMode = %q, want mock", cfg.BrainMode)
	}
	if cfg.DatabaseURL != "postgres://localhost/ada" {
		t.Fatalf("DatabaseURL = %q, want trimmed", cfg.DatabaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"APP_BRAIN_TIMEOUT", "not-a-duration"},
		{"APP_BRAIN_TIMEOUT", "100ms"},
		{"APP_HEARTBEAT_INTERVAL", "0s"},
		{"APP_SUBSCRIBER_BUFFER", "zero"},
		{"APP_SUBSCRIBER_BUFFER", "-1"},
		{"APP_SUBSCRIBER_POLICY", "drop_random"},
		{"APP_HISTORY_WINDOW", "0"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearCoreEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s succeeded, want error", tc.key, tc.value)
			}
		})
	}
}
