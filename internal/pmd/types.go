package pmd

import (
	"fmt"
	"strings"
)

// GATT identifiers for the PMD service and the standard services the sensor exposes.
const (
	ServiceUUID     = "fb005c80-02e7-f387-1cad-8acd2d8df0c8"
	ControlCharUUID = "fb005c81-02e7-f387-1cad-8acd2d8df0c8"
	DataCharUUID    = "fb005c82-02e7-f387-1cad-8acd2d8df0c8"

	HeartRateServiceUUID     = "180d"
	HeartRateMeasurementUUID = "2a37"

	BatteryServiceUUID   = "180f"
	BatteryLevelCharUUID = "2a19"
)

// SensorType identifies a PMD measurement stream. The value is the protocol
// byte and the bit position in the feature bitmask.
type SensorType uint8

const (
	ECG          SensorType = 0
	PPG          SensorType = 1
	ACC          SensorType = 2
	PPI          SensorType = 3
	Gyro         SensorType = 5
	Magnetometer SensorType = 6
	SDKMode      SensorType = 9
	Location     SensorType = 10
	Pressure     SensorType = 11
	Temperature  SensorType = 12
)

// SensorSlots is the size of arrays indexed by SensorType.
const SensorSlots = int(Temperature) + 1

// SensorTypes lists every known sensor in code order.
var SensorTypes = []SensorType{ECG, PPG, ACC, PPI, Gyro, Magnetometer, SDKMode, Location, Pressure, Temperature}

func (s SensorType) String() string {
	switch s {
	case ECG:
		return "ECG"
	case PPG:
		return "PPG"
	case ACC:
		return "ACC"
	case PPI:
		return "PPI"
	case Gyro:
		return "GYRO"
	case Magnetometer:
		return "MAGNETOMETER"
	case SDKMode:
		return "SDK_MODE"
	case Location:
		return "LOCATION"
	case Pressure:
		return "PRESSURE"
	case Temperature:
		return "TEMPERATURE"
	default:
		return fmt.Sprintf("SENSOR(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the enumerated sensor types.
func (s SensorType) Valid() bool {
	switch s {
	case ECG, PPG, ACC, PPI, Gyro, Magnetometer, SDKMode, Location, Pressure, Temperature:
		return true
	}
	return false
}

// ParseSensorType converts a case-insensitive sensor name to its SensorType.
func ParseSensorType(name string) (SensorType, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for _, s := range SensorTypes {
		if s.String() == want {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown sensor type %q", name)
}

// SettingType identifies a measurement setting inside commands and settings replies.
type SettingType uint8

const (
	SampleRate       SettingType = 0
	Resolution       SettingType = 1
	RangePNUnit      SettingType = 2
	RangeMiliUnit    SettingType = 3
	NumChannels      SettingType = 4
	ConversionFactor SettingType = 5
)

func (t SettingType) String() string {
	switch t {
	case SampleRate:
		return "SAMPLE_RATE"
	case Resolution:
		return "RESOLUTION"
	case RangePNUnit:
		return "RANGE_PN_UNIT"
	case RangeMiliUnit:
		return "RANGE_MILI_UNIT"
	case NumChannels:
		return "NUM_CHANNELS"
	case ConversionFactor:
		return "CONVERSION_FACTOR"
	default:
		return fmt.Sprintf("SETTING(%d)", uint8(t))
	}
}

// Command is a PMD control point op code.
type Command uint8

const (
	GetMeasurementSettings  Command = 0x01
	RequestMeasurementStart Command = 0x02
	RequestMeasurementStop  Command = 0x03
)

func (c Command) String() string {
	switch c {
	case GetMeasurementSettings:
		return "GET_MEASUREMENT_SETTINGS"
	case RequestMeasurementStart:
		return "REQUEST_MEASUREMENT_START"
	case RequestMeasurementStop:
		return "REQUEST_MEASUREMENT_STOP"
	default:
		return fmt.Sprintf("COMMAND(%#02x)", uint8(c))
	}
}

// ErrorCode is the status byte carried by every control point reply.
type ErrorCode uint8

// Success is the only non-error status.
const Success ErrorCode = 0

var errorMessages = [...]string{
	"SUCCESS",
	"INVALID OP CODE",
	"INVALID MEASUREMENT TYPE",
	"NOT SUPPORTED",
	"INVALID LENGTH",
	"INVALID PARAMETER",
	"ALREADY IN STATE",
	"INVALID RESOLUTION",
	"INVALID SAMPLE RATE",
	"INVALID RANGE",
	"INVALID MTU",
	"INVALID NUMBER OF CHANNELS",
	"INVALID STATE",
	"DEVICE IN CHARGER",
}

func (e ErrorCode) String() string {
	if int(e) < len(errorMessages) {
		return errorMessages[e]
	}
	return fmt.Sprintf("UNKNOWN ERROR (%d)", uint8(e))
}

// OK reports whether the code is SUCCESS.
func (e ErrorCode) OK() bool {
	return e == Success
}
