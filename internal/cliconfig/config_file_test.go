package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadFileConfig(t *testing.T) {
	path := writeConfigFile(t, `
prefix = "21.12102"
index = "312"
server = "https://file.example:8001"
page_size = 1000
throttle = "5s"
quiet = true
`)

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	if fc.Prefix != "21.12102" || fc.Index != "312" {
		t.Errorf("identity = %q/%q", fc.Prefix, fc.Index)
	}
	if fc.PageSize != 1000 {
		t.Errorf("PageSize = %d", fc.PageSize)
	}
	if fc.Throttle != "5s" {
		t.Errorf("Throttle = %q", fc.Throttle)
	}
	if fc.Quiet == nil || !*fc.Quiet {
		t.Error("Quiet not parsed")
	}
}

func TestLoadFileConfig_Invalid(t *testing.T) {
	path := writeConfigFile(t, "prefix = [broken")

	if _, err := LoadFileConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyFileConfig(t *testing.T) {
	quiet := true
	fc := FileConfig{
		Prefix:   "21.12102",
		Server:   "https://file.example:8001",
		PageSize: 1000,
		Throttle: "5s",
		Quiet:    &quiet,
	}

	cfg := DefaultConfig()
	if err := ApplyFileConfig(&cfg, fc, map[string]bool{}); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Prefix != "21.12102" {
		t.Errorf("Prefix = %q", cfg.Prefix)
	}
	if cfg.Server != "https://file.example:8001" {
		t.Errorf("Server = %q", cfg.Server)
	}
	if cfg.PageSize != 1000 {
		t.Errorf("PageSize = %d", cfg.PageSize)
	}
	if cfg.Throttle != 5*time.Second {
		t.Errorf("Throttle = %v", cfg.Throttle)
	}
	if !cfg.Quiet {
		t.Error("Quiet not applied")
	}
}

func TestApplyFileConfig_FlagsWin(t *testing.T) {
	fc := FileConfig{Server: "https://file.example:8001", PageSize: 1000}

	cfg := DefaultConfig()
	cfg.Server = "https://flag.example:8001"
	cfg.PageSize = 250
	if err := ApplyFileConfig(&cfg, fc, map[string]bool{"server": true, "size": true}); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Server != "https://flag.example:8001" {
		t.Errorf("Server = %q, file overrode an explicit flag", cfg.Server)
	}
	if cfg.PageSize != 250 {
		t.Errorf("PageSize = %d, file overrode an explicit flag", cfg.PageSize)
	}
}

func TestApplyFileConfig_BadDuration(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyFileConfig(&cfg, FileConfig{Throttle: "not-a-duration"}, map[string]bool{})
	if err == nil {
		t.Error("expected duration parse error")
	}
}

func TestFileExists(t *testing.T) {
	path := writeConfigFile(t, "")
	if !FileExists(path) {
		t.Error("FileExists() = false for an existing file")
	}
	if FileExists(filepath.Join(t.TempDir(), "absent.toml")) {
		t.Error("FileExists() = true for a missing file")
	}
}
