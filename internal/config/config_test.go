package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":34872" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Debounce != 50*time.Millisecond {
		t.Errorf("Debounce = %s", cfg.Debounce)
	}
	if cfg.RetentionCount != 1000 {
		t.Errorf("RetentionCount = %d", cfg.RetentionCount)
	}
	if cfg.StrictFiles {
		t.Error("StrictFiles should default to false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LIVESYNC_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("LIVESYNC_DEBOUNCE", "200ms")
	t.Setenv("LIVESYNC_RETENTION_COUNT", "5")
	t.Setenv("LIVESYNC_STRICT_FILES", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Debounce != 200*time.Millisecond {
		t.Errorf("Debounce = %s", cfg.Debounce)
	}
	if cfg.RetentionCount != 5 {
		t.Errorf("RetentionCount = %d", cfg.RetentionCount)
	}
	if !cfg.StrictFiles {
		t.Error("StrictFiles should be true")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LIVESYNC_DEBOUNCE", "-1s"},
		{"LIVESYNC_RETENTION_COUNT", "0"},
		{"LIVESYNC_RETENTION_AGE", "0s"},
		{"LIVESYNC_POLL_TIMEOUT", "soon"},
		{"LIVESYNC_STRICT_FILES", "maybe"},
		{"LIVESYNC_LOG_FORMAT", "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
