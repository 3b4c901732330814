package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "ffe0", cfg.Device.ServiceUUID)
	assert.Equal(t, "ffe1", cfg.Device.CharacteristicUUID)
	assert.Equal(t, 15*time.Second, cfg.Device.ScanTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.Equal(t, 20.0, cfg.Web.CommandRate)
	assert.Equal(t, 10, cfg.Web.CommandBurst)
	assert.Equal(t, 500, cfg.HistoryLimit)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(DefaultConfigDir(), "captures"), cfg.CaptureDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  name_prefix: HMSoft
  scan_timeout: 30s
web:
  listen: 0.0.0.0:9000
history_limit: 50
log_level: debug
`
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(yamlContent), 0o644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "HMSoft", cfg.Device.NamePrefix)
	assert.Equal(t, 30*time.Second, cfg.Device.ScanTimeout)
	assert.Equal(t, "0.0.0.0:9000", cfg.Web.Listen)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, "debug", cfg.LogLevel)

	// unset fields keep defaults
	assert.Equal(t, "ffe0", cfg.Device.ServiceUUID)
	assert.Equal(t, "ffe1", cfg.Device.CharacteristicUUID)
}

func TestLoadExpandsLogFile(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_file: ~/rccar.log\ncapture_dir: ~/caps\n"), 0o644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "rccar.log"), cfg.LogFile)
	assert.Equal(t, filepath.Join(home, "caps"), cfg.CaptureDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("device: [unclosed"), 0o644))

	_, err := Load(cfgPath)
	assert.ErrorContains(t, err, "parsing config file")
}

func TestLoadOrDefaultExplicitMissing(t *testing.T) {
	_, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicitly named config must exist")
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Device.NamePrefix = "BT05"
	cfg.Device.ScanTimeout = 5 * time.Second

	cfgPath := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(cfgPath))

	loaded, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty service", func(c *Config) { c.Device.ServiceUUID = "" }, "device.service_uuid"},
		{"empty characteristic", func(c *Config) { c.Device.CharacteristicUUID = "" }, "device.characteristic_uuid"},
		{"negative scan timeout", func(c *Config) { c.Device.ScanTimeout = -time.Second }, "device.scan_timeout"},
		{"negative history", func(c *Config) { c.HistoryLimit = -1 }, "history_limit"},
		{"empty listen", func(c *Config) { c.Web.Listen = "" }, "web.listen"},
		{"negative command rate", func(c *Config) { c.Web.CommandRate = -1 }, "web.command_rate"},
		{"zero burst", func(c *Config) { c.Web.CommandBurst = 0 }, "web.command_burst"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		assert.Equal(t, tt.want, cfg.SlogLevel(), "level %q", tt.level)
	}
}

func TestDebugf(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		Verbose = false
	})

	Verbose = false
	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	Verbose = true
	Debugf("shown %d", 2)
	assert.Equal(t, "[DEBUG] shown 2\n", buf.String())
}
