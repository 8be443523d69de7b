package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pmdctl/internal/dispatch"
	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/sensor"
	"github.com/srg/pmdctl/internal/transport"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream [device-address]",
	Short: "Stream ECG, accelerometer and heart rate data",
	Long: fmt.Sprintf(`Starts the selected measurements and prints every decoded frame until
interrupted or until --duration elapses. Measurements are stopped before exit.

Text output shows the connection-relative timestamp of each frame, the gap to
the previous frame and a preview of the samples. --json prints one event per
line with the same fields the serve command publishes.

Examples:
  # ECG at the configured rate (130 Hz by default)
  pmdctl stream %s

  # ECG, accelerometer and heart rate for 30 seconds as JSON lines
  pmdctl stream %s --sensors ecg,acc,hr --duration 30s --json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

var (
	streamSensors  string
	streamDuration time.Duration
	streamJSON     bool
	streamNoColor  bool
)

func init() {
	streamCmd.Flags().StringVar(&streamSensors, "sensors", "ecg", "Measurements to stream, comma-separated: ecg, acc, hr")
	streamCmd.Flags().DurationVar(&streamDuration, "duration", 0, "Stop after this long (default: until Ctrl+C)")
	streamCmd.Flags().BoolVar(&streamJSON, "json", false, "Print JSON lines instead of text")
	streamCmd.Flags().BoolVar(&streamNoColor, "no-color", false, "Disable colored labels")
}

// measurementSet is the parsed --sensors selection.
type measurementSet struct {
	ecg, acc, heartRate bool
}

func (m measurementSet) String() string {
	var names []string
	if m.ecg {
		names = append(names, pmd.ECG.String())
	}
	if m.acc {
		names = append(names, pmd.ACC.String())
	}
	if m.heartRate {
		names = append(names, "HR")
	}
	return strings.Join(names, ", ")
}

func parseMeasurements(csv string) (measurementSet, error) {
	var m measurementSet
	for _, name := range strings.Split(csv, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ecg":
			m.ecg = true
		case "acc":
			m.acc = true
		case "hr", "heart-rate", "heartrate":
			m.heartRate = true
		case "":
		default:
			return m, fmt.Errorf("invalid measurement %q: use ecg, acc or hr", name)
		}
	}
	if !m.ecg && !m.acc && !m.heartRate {
		return m, fmt.Errorf("no measurements selected")
	}
	return m, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	set, err := parseMeasurements(streamSensors)
	if err != nil {
		return err
	}
	env, err := newCommandEnv(cmd, args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := env.connect(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	out := cmd.OutOrStdout()
	printer := newStreamPrinter(out, streamJSON, !streamNoColor && isTerminal(out))
	if err := startMeasurements(ctx, dev, env, set, dispatch.Func(printer.OnFrame), dispatch.Func(printer.OnHeartRate)); err != nil {
		stopAfterFailure(dev, env)
		return err
	}

	waitCtx := ctx
	if streamDuration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
		fmt.Fprintf(cmd.ErrOrStderr(), "Streaming %s for %v. Press Ctrl+C to stop...\n", set, streamDuration)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "Streaming %s. Press Ctrl+C to stop...\n", set)
	}

	select {
	case <-waitCtx.Done():
	case <-dev.Disconnected():
		return ErrConnectionLost
	}
	return stopMeasurements(dev, env)
}

// startMeasurements registers the listeners and starts every selected
// measurement. A rejection stops the sequence.
func startMeasurements(ctx context.Context, dev *sensor.Device, env *commandEnv, set measurementSet, frames dispatch.SampleHandler, heartRate dispatch.HeartRateHandler) error {
	if set.heartRate {
		dev.AddHeartRateListener(heartRate)
		if err := dev.StartHeartRate(ctx); err != nil {
			return fmt.Errorf("start heart rate: %w", err)
		}
	}
	if set.ecg {
		dev.AddSampleListener(pmd.ECG, frames)
		reply, err := dev.StartECG(ctx, env.ecgOptions())
		if err != nil {
			return fmt.Errorf("start ECG: %w", err)
		}
		if err := checkReply(reply); err != nil {
			return err
		}
	}
	if set.acc {
		dev.AddSampleListener(pmd.ACC, frames)
		reply, err := dev.StartACC(ctx, env.accOptions())
		if err != nil {
			return fmt.Errorf("start ACC: %w", err)
		}
		if err := checkReply(reply); err != nil {
			return err
		}
	}
	env.logger.WithFields(logrus.Fields{
		"address":      env.address,
		"measurements": set.String(),
	}).Info("Measurements started")
	return nil
}

// stopMeasurements stops whatever is running on a fresh context, so it also
// runs after the command context was cancelled.
func stopMeasurements(dev *sensor.Device, env *commandEnv) error {
	if !dev.Connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*env.cfg.Sensor.RequestTimeout)
	defer cancel()
	if err := dev.StopAll(ctx); err != nil {
		if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			env.logger.WithError(err).Warn("Sensor did not confirm stop")
			return nil
		}
		return err
	}
	return nil
}

// stopAfterFailure stops measurements while another error is being returned.
// A stop failure is logged so the original error stays the one reported.
func stopAfterFailure(dev *sensor.Device, env *commandEnv) {
	if err := stopMeasurements(dev, env); err != nil {
		env.logger.WithError(err).Warn("Failed to stop measurements")
	}
}
