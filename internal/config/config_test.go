package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %s, want 0.0.0.0:8080", cfg.Addr())
	}
	if cfg.InactivityTimeout != 1800*time.Second {
		t.Errorf("InactivityTimeout = %s, want 1800s", cfg.InactivityTimeout)
	}
	if cfg.MaxHostsPerDialect != 4 {
		t.Errorf("MaxHostsPerDialect = %d, want 4", cfg.MaxHostsPerDialect)
	}
	if cfg.BackupOnExpiry {
		t.Error("BackupOnExpiry should default to false")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("QUERY_TIMEOUT_SECS", "5")
	t.Setenv("MAX_DB_SIZE_MB", "128")
	t.Setenv("BACKUP_ON_EXPIRY", "true")

	cfg := Load()

	if cfg.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %s, want 5s", cfg.QueryTimeout)
	}
	if cfg.MaxDBSizeMB != 128 {
		t.Errorf("MaxDBSizeMB = %d, want 128", cfg.MaxDBSizeMB)
	}
	if !cfg.BackupOnExpiry {
		t.Error("BackupOnExpiry should be true when BACKUP_ON_EXPIRY=true")
	}
}

func TestGetenvSecondsIgnoresGarbage(t *testing.T) {
	t.Setenv("REAPER_INTERVAL_SECS", "not-a-number")

	cfg := Load()
	if cfg.ReaperInterval != 30*time.Second {
		t.Errorf("ReaperInterval = %s, want default 30s on parse failure", cfg.ReaperInterval)
	}
}
