package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/pmdctl/internal/pmd"
)

// settingsCmd represents the settings command
var settingsCmd = &cobra.Command{
	Use:   "settings <sensor> [device-address]",
	Short: "Query the settings a measurement type supports",
	Long: fmt.Sprintf(`Sends GET_MEASUREMENT_SETTINGS for a measurement type and prints the
reported settings in the order the sensor sent them.

Sensors: ecg, ppg, acc, ppi, gyro, magnetometer, sdk_mode, location, pressure, temperature

Examples:
  pmdctl settings ecg %s
  pmdctl settings acc %s

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSettings,
}

func runSettings(cmd *cobra.Command, args []string) error {
	sensorType, err := pmd.ParseSensorType(args[0])
	if err != nil {
		return err
	}
	env, err := newCommandEnv(cmd, args[1:])
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

	reply, err := dev.SensorSettings(ctx, sensorType)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), formatSettings(reply))
	return err
}
