package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
	assert.Equal(t, []string{"hr"}, cfg.EnabledKinds)
	assert.Equal(t, uint32(1024), cfg.DeliveryBuffer)
	assert.Equal(t, 128, cfg.StreamBuffer)
	assert.Equal(t, "Polar", cfg.NamePrefix)
	assert.Equal(t, ":8765", cfg.ListenAddr)
	assert.Empty(t, cfg.MetricsAddr)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
connect_timeout: 5s
enabled_kinds: [hr, ecg, acc]
name_prefix: ""
metrics_addr: ":9100"
`))
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout, "unset fields MUST keep their defaults")
	assert.Empty(t, cfg.NamePrefix, "an explicit empty prefix MUST be kept")
	assert.Equal(t, ":9100", cfg.MetricsAddr)

	kinds, err := cfg.Kinds()
	require.NoError(t, err)
	assert.Equal(t, []device.StreamKind{device.HR, device.ECG, device.ACC}, kinds)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("scan_timeout: 10s\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errs   int
	}{
		{"valid", func(*Config) {}, 0},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, 1},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, 1},
		{"negative fetch timeout", func(c *Config) { c.FetchTimeout = -time.Second }, 1},
		{"unknown kind", func(c *Config) { c.EnabledKinds = []string{"hr", "ppg"} }, 1},
		{"duplicate kind", func(c *Config) { c.EnabledKinds = []string{"ecg", "ECG"} }, 1},
		{"zero buffer", func(c *Config) { c.DeliveryBuffer = 0 }, 1},
		{"oversized buffer", func(c *Config) { c.DeliveryBuffer = MaxDeliveryBuffer + 1 }, 1},
		{"every problem at once", func(c *Config) {
			c.LogLevel = "loud"
			c.ConnectTimeout = 0
			c.StreamBuffer = 0
		}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.Len(t, multierr.Errors(err), tt.errs)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "hrlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch_timeout: 2s\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.FetchTimeout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "falls back to info", logLevel: "", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
