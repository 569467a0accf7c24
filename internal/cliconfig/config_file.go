package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML
// friendly.
type FileConfig struct {
	Prefix      string `toml:"prefix"`
	Index       string `toml:"index"`
	Server      string `toml:"server"`
	CertFile    string `toml:"certfile"`
	KeyFile     string `toml:"keyfile"`
	CAFile      string `toml:"cafile"`
	Output      string `toml:"output"`
	PageSize    int    `toml:"page_size"`
	Throttle    string `toml:"throttle"`
	HTTPTimeout string `toml:"http_timeout"`
	StateDir    string `toml:"state_dir"`
	RedisAddr   string `toml:"redis_addr"`
	Quiet       *bool  `toml:"quiet"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.hdl-custom/config.toml if the user home
// directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".hdl-custom", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config
// struct. It respects flags that have been explicitly set.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("prefix", fc.Prefix, &cfg.Prefix)
	s.setString("index", fc.Index, &cfg.Index)
	s.setString("server", fc.Server, &cfg.Server)
	s.setString("certfile", fc.CertFile, &cfg.CertFile)
	s.setString("keyfile", fc.KeyFile, &cfg.KeyFile)
	s.setString("cafile", fc.CAFile, &cfg.CAFile)
	s.setString("output", fc.Output, &cfg.Output)
	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("redis", fc.RedisAddr, &cfg.RedisAddr)

	s.setInt("size", fc.PageSize, &cfg.PageSize)

	if err := s.setDuration("throttle", fc.Throttle, &cfg.Throttle); err != nil {
		return err
	}
	if err := s.setDuration("timeout", fc.HTTPTimeout, &cfg.HTTPTimeout); err != nil {
		return err
	}

	s.setBool("quiet", fc.Quiet, &cfg.Quiet)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
