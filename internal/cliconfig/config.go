// Package cliconfig holds CLI configuration for hdl-custom with
// flag > environment > file > default precedence.
package cliconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultServer is the shared EPIC PID registry endpoint.
const DefaultServer = "https://epic-pid.storage.surfsara.nl:8001"

// Config holds CLI configuration for hdl-custom.
type Config struct {
	Prefix string
	Index  string

	Server   string
	CertFile string
	KeyFile  string
	CAFile   string

	File   string
	Output string

	Start    int
	Count    int
	PageSize int

	Throttle    time.Duration
	HTTPTimeout time.Duration

	StateDir  string
	RedisAddr string

	Quiet bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Server:      DefaultServer,
		Start:       0,
		Count:       3,
		PageSize:    10000,
		Throttle:    10 * time.Second,
		HTTPTimeout: 120 * time.Second,
		StateDir:    ".",
	}
}

// Validate checks the configuration for errors and sets derived
// defaults. The command name feeds the conventional output file name.
func (c *Config) Validate(command string) error {
	if c.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if c.Index == "" {
		return fmt.Errorf("index is required")
	}

	if c.Server == "" {
		c.Server = DefaultServer
	}
	// Ensure no trailing slash
	if c.Server[len(c.Server)-1] == '/' {
		c.Server = c.Server[:len(c.Server)-1]
	}

	if c.CertFile == "" {
		c.CertFile = fmt.Sprintf("%s_USER01_%s_certificate_only.pem", c.Prefix, c.Index)
	}
	if c.KeyFile == "" {
		c.KeyFile = fmt.Sprintf("%s_USER01_%s_privkey.pem", c.Prefix, c.Index)
	}

	today := time.Now().Format("20060102")
	if c.File == "" {
		c.File = command + ".csv"
	}
	if c.Output == "" {
		c.Output = fmt.Sprintf("%s-%s.csv", command, today)
	}

	if c.Start < 0 {
		return fmt.Errorf("start must be >= 0")
	}
	if c.PageSize <= 0 || c.PageSize > 10000 {
		return fmt.Errorf("page size must be in 1..10000 (got %d)", c.PageSize)
	}
	if c.Throttle < 0 {
		return fmt.Errorf("throttle must be >= 0")
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 120 * time.Second
	}

	return nil
}

// configSetter helps apply configuration values while respecting flag
// precedence. It only applies values if the corresponding flag hasn't
// been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// ApplyEnvConfig applies HDL_* environment variables. They override the
// config file but are overridden by explicit flags.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) {
	s := newConfigSetter(changed)

	s.setString("prefix", os.Getenv("HDL_PREFIX"), &cfg.Prefix)
	s.setString("index", os.Getenv("HDL_INDEX"), &cfg.Index)
	s.setString("server", os.Getenv("HDL_SERVER"), &cfg.Server)
	s.setString("certfile", os.Getenv("HDL_CERTFILE"), &cfg.CertFile)
	s.setString("keyfile", os.Getenv("HDL_KEYFILE"), &cfg.KeyFile)
	s.setString("cafile", os.Getenv("HDL_CAFILE"), &cfg.CAFile)
	s.setString("state-dir", os.Getenv("HDL_STATE_DIR"), &cfg.StateDir)
	s.setString("redis", os.Getenv("HDL_REDIS"), &cfg.RedisAddr)

	if v := os.Getenv("HDL_SIZE"); v != "" && !changed["size"] {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PageSize = n
		}
	}
	if v := os.Getenv("HDL_THROTTLE"); v != "" && !changed["throttle"] {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Throttle = d
		}
	}
}
