//go:build !darwin

package main

const (
	exampleDeviceAddress = "A0:9E:1A:12:34:56"
	deviceAddressNote    = "Device address format: Bluetooth MAC address\n  Example: A0:9E:1A:12:34:56\n  The address may also be set with sensor.address in the --config file"
)
