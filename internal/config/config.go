package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Verbose enables debug output when true
var Verbose bool

var (
	outputMu sync.Mutex
	output   io.Writer = os.Stdout
)

// SetOutput redirects debug output. The TUI points it at a log file so
// debug lines don't tear the alt screen.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	if w == nil {
		w = io.Discard
	}
	output = w
}

// Debugf prints debug messages when Verbose is true
func Debugf(format string, args ...any) {
	if !Verbose {
		return
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	fmt.Fprintf(output, "[DEBUG] "+format+"\n", args...)
}

// Config holds all application configuration.
type Config struct {
	Device       DeviceConfig `yaml:"device"`
	Web          WebConfig    `yaml:"web"`
	HistoryLimit int          `yaml:"history_limit"`
	LogLevel     string       `yaml:"log_level"`
	LogFile      string       `yaml:"log_file"`
	CaptureDir   string       `yaml:"capture_dir"`
}

// DeviceConfig selects which peripheral to talk to.
type DeviceConfig struct {
	NamePrefix         string        `yaml:"name_prefix"`
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
}

// WebConfig holds settings for the browser control panel.
type WebConfig struct {
	Listen string `yaml:"listen"`
	// CommandRate is drive commands per second per browser client, 0 for
	// no limit. Stop is never limited.
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rccar")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultCaptureDir is where recorded monitor transcripts live.
func DefaultCaptureDir() string {
	return filepath.Join(DefaultConfigDir(), "captures")
}

// Default returns a Config for an HM-10 style UART module.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ServiceUUID:        "ffe0",
			CharacteristicUUID: "ffe1",
			ScanTimeout:        15 * time.Second,
		},
		Web: WebConfig{
			Listen:       "127.0.0.1:8080",
			CommandRate:  20,
			CommandBurst: 10,
		},
		HistoryLimit: 500,
		LogLevel:     "info",
		CaptureDir:   DefaultCaptureDir(),
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// defaults. A leading ~ in log_file or capture_dir is expanded to the home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	cfg.CaptureDir = expandTilde(cfg.CaptureDir)

	return cfg, nil
}

// LoadOrDefault loads path if it exists. An empty path means the default
// location, and a missing default file is not an error.
func LoadOrDefault(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	cfg, err := Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ServiceUUID == "" {
		return fmt.Errorf("device.service_uuid must not be empty")
	}
	if c.Device.CharacteristicUUID == "" {
		return fmt.Errorf("device.characteristic_uuid must not be empty")
	}
	if c.Device.ScanTimeout < 0 {
		return fmt.Errorf("device.scan_timeout must be >= 0")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be >= 0")
	}
	if c.Web.Listen == "" {
		return fmt.Errorf("web.listen must not be empty")
	}
	if c.Web.CommandRate < 0 {
		return fmt.Errorf("web.command_rate must be >= 0")
	}
	if c.Web.CommandRate > 0 && c.Web.CommandBurst < 1 {
		return fmt.Errorf("web.command_burst must be >= 1 when command_rate is set")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
