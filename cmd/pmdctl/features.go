package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// featuresCmd represents the features command
var featuresCmd = &cobra.Command{
	Use:   "features [device-address]",
	Short: "List the measurement types a sensor supports",
	Long: fmt.Sprintf(`Reads the PMD control point and lists the supported measurement types.

Examples:
  pmdctl features %s

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runFeatures,
}

// batteryCmd represents the battery command
var batteryCmd = &cobra.Command{
	Use:   "battery [device-address]",
	Short: "Read the sensor battery level",
	Long: fmt.Sprintf(`Reads the Battery Level characteristic and prints it in percent.

Examples:
  pmdctl battery %s

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runBattery,
}

func runFeatures(cmd *cobra.Command, args []string) error {
	env, err := newCommandEnv(cmd, args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx := context.Background()
	dev, err := env.connect(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	features, err := dev.SupportedFeatures(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), formatFeatures(features))
	return err
}

func runBattery(cmd *cobra.Command, args []string) error {
	env, err := newCommandEnv(cmd, args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx := context.Background()
	dev, err := env.connect(ctx, cmd, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	level, err := dev.BatteryLevel(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d%%\n", level)
	return err
}
