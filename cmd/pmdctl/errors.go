package main

import (
	"errors"
	"fmt"

	"github.com/srg/pmdctl/internal/pmd"
	"github.com/srg/pmdctl/internal/session"
	"github.com/srg/pmdctl/internal/transport"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE link dropped while a command was
	// streaming. It is distinct from transport.ErrNotConnected, which is
	// returned for operations attempted without a link.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoAddress is returned when neither an argument nor the config names a sensor.
	ErrNoAddress = errors.New("sensor address required")
)

// RejectedError reports a control point command the sensor answered with a
// non-SUCCESS status.
type RejectedError struct {
	Command pmd.Command
	Sensor  pmd.SensorType
	Code    pmd.ErrorCode
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s rejected by sensor: %s", e.Command, e.Sensor, e.Code)
}

// checkReply turns a protocol rejection into a RejectedError.
func checkReply(reply pmd.ControlReply) error {
	if reply.Error.OK() {
		return nil
	}
	return &RejectedError{Command: reply.Command, Sensor: reply.Sensor, Code: reply.Error}
}

// FormatUserError rewrites engine errors into messages for the terminal.
// Errors it does not recognise are returned as-is.
func FormatUserError(err error) string {
	var rejected *RejectedError
	var frameErr *pmd.FrameError

	switch {
	case errors.As(err, &rejected):
		return rejected.Error()
	case errors.Is(err, transport.ErrBluetoothOff):
		return "Bluetooth is turned off, enable it and try again"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the sensor was lost"
	case errors.Is(err, transport.ErrNotConnected):
		return "sensor is not connected"
	case errors.Is(err, transport.ErrTimeout):
		return fmt.Sprintf("sensor did not answer in time (%v)", err)
	case errors.Is(err, session.ErrAlreadyStarted):
		return "measurement is already running"
	case errors.Is(err, session.ErrStreaming):
		return "settings cannot be queried while a measurement is running"
	case errors.As(err, &frameErr):
		return fmt.Sprintf("sensor sent an unexpected reply: %v", err)
	case errors.Is(err, ErrNoAddress):
		return "sensor address required: pass it as an argument or set sensor.address in --config"
	default:
		return err.Error()
	}
}
