package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 20*time.Second, cfg.Sensor.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sensor.RequestTimeout)
	assert.Equal(t, ECGConfig{SampleRate: 130, Resolution: 14}, cfg.Sensor.ECG)
	assert.Equal(t, ACCConfig{RangeG: 4, SampleRate: 100, Resolution: 16}, cfg.Sensor.ACC)
	assert.Equal(t, ":8080", cfg.Serve.Listen)
	assert.Equal(t, 256, cfg.Serve.ClientQueue)
	assert.Equal(t, "pmd", cfg.Redis.Channel)
	assert.Empty(t, cfg.Redis.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "pmdctl.yaml", `
log_level: debug
sensor:
  address: A0:9E:1A:00:00:01
  request_timeout: 2s
  acc:
    range_g: 8
redis:
  addr: localhost:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "A0:9E:1A:00:00:01", cfg.Sensor.Address)
	assert.Equal(t, 2*time.Second, cfg.Sensor.RequestTimeout)
	assert.Equal(t, 20*time.Second, cfg.Sensor.ConnectTimeout, "unset fields MUST keep defaults")
	assert.Equal(t, uint16(8), cfg.Sensor.ACC.RangeG)
	assert.Equal(t, uint16(100), cfg.Sensor.ACC.SampleRate)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "pmd", cfg.Redis.Channel)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "pmdctl.toml", `
log_format = "json"

[sensor]
address = "A0:9E:1A:00:00:02"
connect_timeout = "30s"

[sensor.ecg]
sample_rate = 130

[serve]
listen = "127.0.0.1:9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "A0:9E:1A:00:00:02", cfg.Sensor.Address)
	assert.Equal(t, 30*time.Second, cfg.Sensor.ConnectTimeout)
	assert.Equal(t, uint16(14), cfg.Sensor.ECG.Resolution)
	assert.Equal(t, "127.0.0.1:9000", cfg.Serve.Listen)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "unsupported extension",
			file:    "pmdctl.json",
			content: `{}`,
			wantErr: "unsupported config format",
		},
		{
			name:    "invalid yaml",
			file:    "pmdctl.yaml",
			content: "sensor: [",
			wantErr: "parse config",
		},
		{
			name:    "invalid log level",
			file:    "pmdctl.yaml",
			content: "log_level: loud",
			wantErr: "invalid log level",
		},
		{
			name:    "invalid log format",
			file:    "pmdctl.toml",
			content: `log_format = "xml"`,
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			want:     logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			want:     logrus.WarnLevel,
		},
		{
			name:     "unparsable level is silent",
			logLevel: "",
			want:     logrus.PanicLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.Equal(t, tt.want, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}

	cfg := DefaultConfig()
	cfg.LogFormat = "json"
	_, ok := cfg.NewLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}
