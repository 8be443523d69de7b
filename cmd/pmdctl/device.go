package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pmdctl/internal/config"
	"github.com/srg/pmdctl/internal/metrics"
	"github.com/srg/pmdctl/internal/sensor"
	"github.com/srg/pmdctl/internal/transport"
	"github.com/srg/pmdctl/internal/transport/goble"
)

// newTransport builds the BLE transport for a sensor. Tests replace it.
var newTransport = func(address string, cfg *config.Config, logger *logrus.Logger) transport.Transport {
	return goble.New(goble.Options{
		Address:        address,
		ConnectTimeout: cfg.Sensor.ConnectTimeout,
		Logger:         logger,
	})
}

// commandEnv is what every sensor command starts from.
type commandEnv struct {
	cfg     *config.Config
	logger  *logrus.Logger
	address string
}

// newCommandEnv resolves config, logger and the sensor address. The address
// argument wins over sensor.address from the config file.
func newCommandEnv(cmd *cobra.Command, args []string) (*commandEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	address := cfg.Sensor.Address
	if len(args) > 0 && args[len(args)-1] != "" {
		address = args[len(args)-1]
	}
	if address == "" {
		return nil, ErrNoAddress
	}
	return &commandEnv{cfg: cfg, logger: logger, address: address}, nil
}

// connect opens a session with the sensor, showing progress on a terminal.
// The caller must Close the returned device.
func (e *commandEnv) connect(ctx context.Context, cmd *cobra.Command, collector *metrics.Collector) (*sensor.Device, error) {
	dev := sensor.New(newTransport(e.address, e.cfg, e.logger), sensor.Options{
		RequestTimeout: e.cfg.Sensor.RequestTimeout,
		Logger:         e.logger,
		Metrics:        collector,
	})

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %s", e.address), "connecting")
	progress.Start()
	defer progress.Stop()

	if err := dev.Connect(ctx); err != nil {
		return nil, err
	}
	e.logger.WithField("address", e.address).Debug("Sensor connected")
	return dev, nil
}

// ecgOptions returns the ECG start settings from config.
func (e *commandEnv) ecgOptions() sensor.ECGOptions {
	return sensor.ECGOptions{
		SampleRate: e.cfg.Sensor.ECG.SampleRate,
		Resolution: e.cfg.Sensor.ECG.Resolution,
	}
}

// accOptions returns the ACC start settings from config.
func (e *commandEnv) accOptions() sensor.ACCOptions {
	return sensor.ACCOptions{
		RangeG:     e.cfg.Sensor.ACC.RangeG,
		SampleRate: e.cfg.Sensor.ACC.SampleRate,
		Resolution: e.cfg.Sensor.ACC.Resolution,
	}
}
