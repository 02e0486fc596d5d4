// Package daemon wires the economy engine together: configuration,
// storage, services, the recovery scheduler and the HTTP API.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Tenants   TenantsConfig   `toml:"tenants"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

// StorageConfig controls the SQLite store.
type StorageConfig struct {
	Path string `toml:"path"`
}

// SchedulerConfig controls the settlement sweeps.
type SchedulerConfig struct {
	MonitorInterval string `toml:"monitor_interval"`
}

// TenantsConfig lists the tenants recovered and monitored at startup.
// Tenants appearing later via API traffic are picked up on the next
// restart or reload.
type TenantsConfig struct {
	IDs []string `toml:"ids"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           7738,
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			Path: filepath.Join(homeDir(), ".tomoyo", "engine.db"),
		},
		Scheduler: SchedulerConfig{
			MonitorInterval: "10m",
		},
	}
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	return filepath.Join(homeDir(), ".tomoyo", "config.toml")
}

// LoadConfig reads the TOML config at path, layered over defaults. A
// missing file is not an error; the defaults stand.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// ListenAddr returns the host:port the API binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
