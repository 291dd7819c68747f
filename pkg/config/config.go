package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/hrlink/internal/device"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// MaxDeliveryBuffer mirrors the session dispatcher limit
const MaxDeliveryBuffer = 1 << 20

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" default:"10s"`
	EnabledKinds   []string      `yaml:"enabled_kinds"`
	DeliveryBuffer uint32        `yaml:"delivery_buffer" default:"1024"`
	StreamBuffer   int           `yaml:"stream_buffer" default:"128"`
	NamePrefix     string        `yaml:"name_prefix" default:"Polar"`
	ListenAddr     string        `yaml:"listen_addr" default:":8765"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.EnabledKinds = []string{"hr"}
	return cfg
}

// Load reads a YAML configuration file on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field
func (c *Config) Validate() error {
	var err error
	if _, lerr := logrus.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", lerr))
	}
	if c.ConnectTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout))
	}
	if c.FetchTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("fetch_timeout must be positive, got %s", c.FetchTimeout))
	}
	if _, kerr := device.ParseStreamKinds(c.EnabledKinds); kerr != nil {
		err = multierr.Append(err, fmt.Errorf("enabled_kinds: %w", kerr))
	}
	if c.DeliveryBuffer == 0 || c.DeliveryBuffer > MaxDeliveryBuffer {
		err = multierr.Append(err, fmt.Errorf("delivery_buffer must be in 1..%d, got %d", MaxDeliveryBuffer, c.DeliveryBuffer))
	}
	if c.StreamBuffer <= 0 {
		err = multierr.Append(err, fmt.Errorf("stream_buffer must be positive, got %d", c.StreamBuffer))
	}
	return err
}

// Kinds returns the enabled stream kinds
func (c *Config) Kinds() ([]device.StreamKind, error) {
	return device.ParseStreamKinds(c.EnabledKinds)
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
