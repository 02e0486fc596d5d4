package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 7738 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 7738)
	}
	if !cfg.API.MetricsEnabled {
		t.Error("API.MetricsEnabled should be true by default")
	}
	if cfg.Scheduler.MonitorInterval != "10m" {
		t.Errorf("Scheduler.MonitorInterval = %q, want %q", cfg.Scheduler.MonitorInterval, "10m")
	}
	if cfg.Storage.Path == "" {
		t.Error("Storage.Path should have a default")
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("API.Port = %d, want default %d", cfg.API.Port, DefaultConfig().API.Port)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[api]
host = "0.0.0.0"
port = 9000
metrics_enabled = false

[scheduler]
monitor_interval = "1m"

[tenants]
ids = ["guild-a", "guild-b"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Host != "0.0.0.0" || cfg.API.Port != 9000 {
		t.Errorf("API = %+v, want overridden host and port", cfg.API)
	}
	if cfg.API.MetricsEnabled {
		t.Error("API.MetricsEnabled = true, want false")
	}
	if cfg.ListenAddr() != "0.0.0.0:9000" {
		t.Errorf("ListenAddr() = %q, want %q", cfg.ListenAddr(), "0.0.0.0:9000")
	}
	if len(cfg.Tenants.IDs) != 2 || cfg.Tenants.IDs[0] != "guild-a" {
		t.Errorf("Tenants.IDs = %v, want two ids", cfg.Tenants.IDs)
	}
	// Storage path falls back to the default when not set in the file.
	if cfg.Storage.Path == "" {
		t.Error("Storage.Path lost its default")
	}
}
