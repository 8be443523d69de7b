package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pmdctl/internal/config"
)

// loadConfig reads --config when given, otherwise returns defaults. The
// --timeout and --connect-timeout flags override the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
		cfg.Sensor.RequestTimeout = d
	}
	if d, _ := cmd.Flags().GetDuration("connect-timeout"); d > 0 {
		cfg.Sensor.ConnectTimeout = d
	}
	return cfg, nil
}

// configureLogger creates a logger with the appropriate log level based on flags.
// --log-level takes precedence over --verbose. Without either, the level comes
// from the config file when one was given, and logging is silent otherwise.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logger := cfg.NewLogger()

	// Default to panic level (essentially silent for normal operations)
	logLevel := logrus.PanicLevel
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		logLevel = cfg.Level()
	}

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = logrus.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
