package config

import (
	"path/filepath"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()
	if cfg.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.Port)
	}
	if cfg.IdleTimeoutMin != DefaultIdleTimeoutMin {
		t.Errorf("expected default idle timeout %d, got %d", DefaultIdleTimeoutMin, cfg.IdleTimeoutMin)
	}
	if cfg.Sync.Enabled {
		t.Error("sync should be disabled by default")
	}
	if !cfg.Milestones.Enabled {
		t.Error("milestone tracking should be enabled by default")
	}
}

func TestApplyEnv_OverridesPortAndSync(t *testing.T) {
	t.Setenv("USEAI_SYNC_URL", "https://sync.example.com")
	t.Setenv("USEAI_PORT", "9999")
	t.Setenv("USEAI_HOME", "")

	cfg := New()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv returned an error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if !cfg.Sync.Enabled || cfg.Sync.BaseURL != "https://sync.example.com" {
		t.Errorf("expected sync enabled with the given base URL, got %+v", cfg.Sync)
	}
}

func TestApplyEnv_InvalidPortIgnored(t *testing.T) {
	t.Setenv("USEAI_PORT", "not-a-port")

	cfg := New()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv returned an error: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected port to remain at default when USEAI_PORT is invalid, got %d", cfg.Port)
	}
}

func TestSaveAndLoadJSONFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := New()
	original.Port = 1234
	original.Dashboard.BusURL = "nats://127.0.0.1:4222"
	if err := original.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := New()
	if err := LoadJSONFile(loaded, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Port != 1234 {
		t.Errorf("expected port 1234 after reload, got %d", loaded.Port)
	}
	if loaded.Dashboard.BusURL != "nats://127.0.0.1:4222" {
		t.Errorf("expected dashboard bus url to round-trip, got %q", loaded.Dashboard.BusURL)
	}
}

func TestLoadJSONFile_MissingFileIsNotAnError(t *testing.T) {
	cfg := New()
	if err := LoadJSONFile(cfg, filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Errorf("expected a missing config.json to be a no-op, got %v", err)
	}
}

func TestLoadBootstrapFile_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadBootstrapFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("expected a missing bootstrap file to be a no-op, got %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected default port, got %d", cfg.Port)
	}
}

func TestPaths_LayoutUnderHomeDir(t *testing.T) {
	cfg := New()
	cfg.HomeDir = "/tmp/useai-test-home"

	paths := cfg.Paths()
	if paths.Root != cfg.HomeDir {
		t.Errorf("expected root to equal home dir, got %s", paths.Root)
	}
	if filepath.Dir(paths.ActiveDir) != filepath.Dir(paths.SealedDir) {
		t.Error("expected active/ and sealed/ to share a parent data directory")
	}
}
