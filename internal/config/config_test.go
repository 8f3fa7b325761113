package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ledgersync")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("SYNC_INTERVAL", "")
	t.Setenv("SYNC_MAX_PAGES", "")
	t.Setenv("SYNC_MAX_RECORDS", "")
	t.Setenv("THROTTLE_MAX_WAIT", "")
	t.Setenv("WEBHOOK_REPLAY_WINDOW", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("unexpected HTTPAddr %q", cfg.HTTPAddr)
	}
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("unexpected SyncInterval %s", cfg.SyncInterval)
	}
	if cfg.MaxPagesPerDirection != 100 || cfg.MaxRecordsPerDirection != 10000 {
		t.Errorf("unexpected caps: pages=%d records=%d", cfg.MaxPagesPerDirection, cfg.MaxRecordsPerDirection)
	}
	if cfg.ThrottleMaxWait != 2*time.Minute {
		t.Errorf("unexpected ThrottleMaxWait %s", cfg.ThrottleMaxWait)
	}
	if cfg.WebhookReplayWindow != 24*time.Hour {
		t.Errorf("unexpected WebhookReplayWindow %s", cfg.WebhookReplayWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ledgersync")
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("SYNC_INTERVAL", "5m")
	t.Setenv("SYNC_MAX_PAGES", "7")
	t.Setenv("SYNC_MAX_RECORDS", "250")
	t.Setenv("WEBHOOK_REPLAY_WINDOW", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || cfg.SyncInterval != 5*time.Minute {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.MaxPagesPerDirection != 7 || cfg.MaxRecordsPerDirection != 250 {
		t.Errorf("cap overrides not applied: %+v", cfg)
	}
	if cfg.WebhookReplayWindow != time.Hour {
		t.Errorf("replay window override not applied: %s", cfg.WebhookReplayWindow)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL error")
	}
	if _, err := LoadOptionalDB(); err != nil {
		t.Fatalf("LoadOptionalDB: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ledgersync")

	t.Setenv("SYNC_INTERVAL", "often")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SYNC_INTERVAL") {
		t.Fatalf("expected SYNC_INTERVAL error, got %v", err)
	}
	t.Setenv("SYNC_INTERVAL", "-1m")
	if _, err := Load(); err == nil {
		t.Fatal("expected negative duration rejected")
	}
	t.Setenv("SYNC_INTERVAL", "")

	t.Setenv("SYNC_MAX_PAGES", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected zero page cap rejected")
	}
}
