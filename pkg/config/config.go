// Package config loads the comfyflow configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Every field is optional.
type Config struct {
	Backend struct {
		URL             string        `yaml:"url"`
		ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		HistoryMaxItems int           `yaml:"history_max_items"`
		SessionFile     string        `yaml:"session_file"`
		Retries         int           `yaml:"retries"`
	} `yaml:"backend"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Compile struct {
		// Tag restricts compiled prompts to nodes carrying it.
		Tag string `yaml:"tag"`
	} `yaml:"compile"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "comfyflow.yaml"
	}
	return filepath.Join(dir, "comfyflow", "config.yaml")
}

// Load reads path, then applies environment overrides and defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables that override the file.
const (
	EnvURL         = "COMFYFLOW_URL"
	EnvLogLevel    = "COMFYFLOW_LOG_LEVEL"
	EnvLogFormat   = "COMFYFLOW_LOG_FORMAT"
	EnvSessionFile = "COMFYFLOW_SESSION_FILE"
	EnvTag         = "COMFYFLOW_TAG"
)

// ApplyEnv overrides fields from the COMFYFLOW_* environment variables that
// are set and non-empty.
func (c *Config) ApplyEnv() {
	for env, dst := range map[string]*string{
		EnvURL:         &c.Backend.URL,
		EnvLogLevel:    &c.Log.Level,
		EnvLogFormat:   &c.Log.Format,
		EnvSessionFile: &c.Backend.SessionFile,
		EnvTag:         &c.Compile.Tag,
	} {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*dst = v
		}
	}
}

// ApplyDefaults fills every zero field.
func (c *Config) ApplyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = "http://127.0.0.1:8188"
	}
	if c.Backend.ReconnectDelay <= 0 {
		c.Backend.ReconnectDelay = 300 * time.Millisecond
	}
	if c.Backend.PollInterval <= 0 {
		c.Backend.PollInterval = time.Second
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = 30 * time.Second
	}
	if c.Backend.HistoryMaxItems <= 0 {
		c.Backend.HistoryMaxItems = 200
	}
	if c.Backend.SessionFile == "" {
		c.Backend.SessionFile = filepath.Join(filepath.Dir(DefaultPath()), "session.json")
	}
	if c.Backend.Retries <= 0 {
		c.Backend.Retries = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects values the CLI cannot act on.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}
