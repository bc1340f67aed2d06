package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Port)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval = %v, want 30s", cfg.SyncInterval)
	}
	if cfg.SyncBatchSize != 50 {
		t.Fatalf("batch = %d, want 50", cfg.SyncBatchSize)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SQLITE_PATH", "/tmp/ledger.db")
	t.Setenv("SYNC_INTERVAL_SECONDS", "5")
	t.Setenv("SYNC_BATCH_SIZE", "not-a-number")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.SQLitePath != "/tmp/ledger.db" {
		t.Fatalf("sqlite path = %q", cfg.SQLitePath)
	}
	if cfg.SyncInterval != 5*time.Second {
		t.Fatalf("interval = %v", cfg.SyncInterval)
	}
	if cfg.SyncBatchSize != 50 {
		t.Fatalf("bad int should fall back, got %d", cfg.SyncBatchSize)
	}
}
