package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" toml:"log_level" default:"info"`
	LogFormat string `yaml:"log_format" toml:"log_format" default:"text"` // text, json

	Sensor SensorConfig `yaml:"sensor" toml:"sensor"`
	Serve  ServeConfig  `yaml:"serve" toml:"serve"`
	Redis  RedisConfig  `yaml:"redis" toml:"redis"`
}

// SensorConfig describes the sensor to connect to and the stream settings.
type SensorConfig struct {
	Address        string        `yaml:"address" toml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout" default:"20s"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout" default:"5s"`

	ECG ECGConfig `yaml:"ecg" toml:"ecg"`
	ACC ACCConfig `yaml:"acc" toml:"acc"`
}

// ECGConfig are the ECG start settings.
type ECGConfig struct {
	SampleRate uint16 `yaml:"sample_rate" toml:"sample_rate" default:"130"`
	Resolution uint16 `yaml:"resolution" toml:"resolution" default:"14"`
}

// ACCConfig are the accelerometer start settings.
type ACCConfig struct {
	RangeG     uint16 `yaml:"range_g" toml:"range_g" default:"4"`
	SampleRate uint16 `yaml:"sample_rate" toml:"sample_rate" default:"100"`
	Resolution uint16 `yaml:"resolution" toml:"resolution" default:"16"`
}

// ServeConfig configures the live stream server.
type ServeConfig struct {
	Listen      string `yaml:"listen" toml:"listen" default:":8080"`
	ClientQueue int    `yaml:"client_queue" toml:"client_queue" default:"256"`
}

// RedisConfig configures the optional pub/sub sink. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel" default:"pmd"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file. Fields the file
// leaves unset keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml, .yml or .toml)", ext)
	}

	defaults.SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.LogFormat)
	}
	if c.Sensor.ConnectTimeout <= 0 || c.Sensor.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Serve.ClientQueue <= 0 {
		return fmt.Errorf("serve.client_queue must be positive")
	}
	return nil
}

// Level returns the parsed log level, PanicLevel if it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return logger
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
