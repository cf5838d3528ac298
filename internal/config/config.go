// Package config provides layered configuration loading for the daemon and its tooling.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the daemon's runtime configuration. It is bootstrapped from
// an optional TOML file, overlaid with the persisted config.json, and
// finally overlaid with environment variables.
type Config struct {
	Port              int          `toml:"port" json:"port"`
	HomeDir           string       `toml:"home_dir" json:"-"`
	IdleTimeoutMin    int          `toml:"idle_timeout_minutes" json:"idle_timeout_minutes"`
	OrphanSweepMin    int          `toml:"orphan_sweep_minutes" json:"orphan_sweep_minutes"`
	ConnMapTTLDays    int          `toml:"connection_map_ttl_days" json:"connection_map_ttl_days"`
	MaxConnections    int          `toml:"max_connections" json:"max_connections"`
	Sync              SyncConfig   `toml:"sync" json:"sync"`
	Evaluation        EvalConfig   `toml:"evaluation" json:"evaluation"`
	Milestones        MilestonesConfig `toml:"milestones" json:"milestones"`
	Profile           ProfileConfig `toml:"profile" json:"profile"`
	Dashboard         DashboardConfig `toml:"dashboard" json:"dashboard"`
}

// DashboardConfig controls the optional local pub/sub fan-out that a
// dashboard process can subscribe to for live session events.
type DashboardConfig struct {
	BusURL string `toml:"bus_url" json:"bus_url"` // e.g. nats://127.0.0.1:4222; empty disables fan-out
}

// SyncConfig controls the opt-in remote aggregation sync.
type SyncConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	BaseURL string `toml:"base_url" json:"base_url"`
	Token   string `toml:"-" json:"-"` // never persisted to config.json in cleartext logs
}

// EvalConfig controls whether self-evaluation rubrics are recorded.
type EvalConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

// MilestonesConfig controls whether milestones declared at session_end
// are persisted to the milestones index (SPEC_FULL.md §4.4 "session_end").
type MilestonesConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

// ProfileConfig holds the local user profile attached to the sync handshake.
type ProfileConfig struct {
	DisplayName string `toml:"display_name" json:"display_name"`
}

const (
	DefaultPort           = 8765
	DefaultIdleTimeoutMin = 30
	DefaultOrphanSweepMin = 15
	DefaultConnMapTTLDays = 30
	DefaultMaxConnections = 64
)

// New returns a Config populated with defaults.
func New() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Port:           DefaultPort,
		HomeDir:        filepath.Join(home, ".useai"),
		IdleTimeoutMin: DefaultIdleTimeoutMin,
		OrphanSweepMin: DefaultOrphanSweepMin,
		ConnMapTTLDays: DefaultConnMapTTLDays,
		MaxConnections: DefaultMaxConnections,
		Sync: SyncConfig{
			Enabled: false,
		},
		Milestones: MilestonesConfig{
			Enabled: true,
		},
	}
}

// Default is an alias for New, kept for symmetry with the teacher's config API.
func Default() *Config {
	return New()
}

// LoadBootstrapFile overlays an optional sessiond.toml bootstrap file (port
// and root-dir overrides available before config.json has ever been
// written). Missing file is not an error.
func LoadBootstrapFile(path string) (*Config, error) {
	cfg := New()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap config: %w", err)
	}
	return cfg, nil
}

// LoadJSONFile overlays config.json from the daemon's home directory onto
// the given config. Missing file is not an error.
func LoadJSONFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config.json: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config.json: %w", err)
	}
	return nil
}

// Save persists the config as config.json (atomic write-then-rename).
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// ApplyEnv overlays the two documented environment variables plus the home
// directory override, loading a .env file first if present in the working
// directory (mirrors the daemon's CLI entrypoint bootstrap).
func (c *Config) ApplyEnv() error {
	_ = godotenv.Load()

	if v := os.Getenv("USEAI_SYNC_URL"); v != "" {
		c.Sync.BaseURL = v
		c.Sync.Enabled = true
	}
	if v := os.Getenv("USEAI_PORT"); v != "" {
		if p, err := parsePort(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("USEAI_HOME"); v != "" {
		c.HomeDir = v
	}
	return nil
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	if err != nil {
		return 0, err
	}
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("port out of range: %d", p)
	}
	return p, nil
}

// Paths returns the fixed on-disk layout rooted at HomeDir (spec §6).
type Paths struct {
	Root           string
	KeystoreFile   string
	ConfigFile     string
	PIDFile        string
	ConnMapFile    string
	ActiveDir      string
	SealedDir      string
	SessionsIndex  string
	MilestonesFile string
}

func (c *Config) Paths() Paths {
	root := c.HomeDir
	data := filepath.Join(root, "data")
	return Paths{
		Root:           root,
		KeystoreFile:   filepath.Join(root, "keystore.json"),
		ConfigFile:     filepath.Join(root, "config.json"),
		PIDFile:        filepath.Join(root, "daemon.pid"),
		ConnMapFile:    filepath.Join(root, "connection_map.json"),
		ActiveDir:      filepath.Join(data, "active"),
		SealedDir:      filepath.Join(data, "sealed"),
		SessionsIndex:  filepath.Join(data, "sessions.json"),
		MilestonesFile: filepath.Join(data, "milestones.json"),
	}
}

// EnsureDirs creates the on-disk layout's directories.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.ActiveDir, p.SealedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
