// Package session tracks per-sensor measurement state and the single
// outstanding PMD control point request.
//
// The control point carries no request identifier: a reply belongs to the
// most recent unanswered request. Machine guards the per-sensor start/stop
// transitions; Pending owns the one request slot and is asserted empty
// before every write.
package session

import (
	"errors"
	"fmt"

	"github.com/srg/pmdctl/internal/pmd"
)

// Sequencing errors, returned before anything is written to the sensor.
var (
	ErrAlreadyStarted  = errors.New("measurement already started")
	ErrNotStarted      = errors.New("measurement not started")
	ErrStreaming       = errors.New("settings cannot be queried while streaming")
	ErrRequestInFlight = errors.New("control request already in flight")
	ErrUnknownSensor   = errors.New("unknown sensor type")
)

// State is the measurement state of one sensor.
type State int

const (
	Idle State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Machine holds the state of every sensor. It is not safe for concurrent
// use; the owner serialises access.
type Machine struct {
	states [pmd.SensorSlots]State
}

// NewMachine returns a machine with every sensor idle.
func NewMachine() *Machine {
	return &Machine{}
}

func (m *Machine) slot(sensor pmd.SensorType) (*State, error) {
	if !sensor.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, sensor)
	}
	return &m.states[sensor], nil
}

// State returns the current state of sensor.
func (m *Machine) State(sensor pmd.SensorType) State {
	if !sensor.Valid() {
		return Idle
	}
	return m.states[sensor]
}

// BeginStart moves sensor from Idle to Starting.
func (m *Machine) BeginStart(sensor pmd.SensorType) error {
	st, err := m.slot(sensor)
	if err != nil {
		return err
	}
	if *st != Idle {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, sensor, *st)
	}
	*st = Starting
	return nil
}

// CompleteStart applies the status of a start reply.
func (m *Machine) CompleteStart(sensor pmd.SensorType, code pmd.ErrorCode) State {
	st, err := m.slot(sensor)
	if err != nil || *st != Starting {
		return m.State(sensor)
	}
	if code.OK() {
		*st = Started
	} else {
		*st = Idle
	}
	return *st
}

// BeginStop moves sensor from Started to Stopping.
func (m *Machine) BeginStop(sensor pmd.SensorType) error {
	st, err := m.slot(sensor)
	if err != nil {
		return err
	}
	if *st != Started {
		return fmt.Errorf("%w: %s is %s", ErrNotStarted, sensor, *st)
	}
	*st = Stopping
	return nil
}

// CompleteStop applies the status of a stop reply. A failed stop leaves the
// sensor running.
func (m *Machine) CompleteStop(sensor pmd.SensorType, code pmd.ErrorCode) State {
	st, err := m.slot(sensor)
	if err != nil || *st != Stopping {
		return m.State(sensor)
	}
	if code.OK() {
		*st = Idle
	} else {
		*st = Started
	}
	return *st
}

// Abort rolls back an in-flight transition after a transport failure or timeout.
func (m *Machine) Abort(sensor pmd.SensorType) State {
	st, err := m.slot(sensor)
	if err != nil {
		return Idle
	}
	switch *st {
	case Starting:
		*st = Idle
	case Stopping:
		*st = Started
	}
	return *st
}

// Streaming reports whether any sensor is not idle.
func (m *Machine) Streaming() bool {
	for _, st := range m.states {
		if st != Idle {
			return true
		}
	}
	return false
}

// Active lists the sensors that are not idle.
func (m *Machine) Active() []pmd.SensorType {
	var out []pmd.SensorType
	for _, s := range pmd.SensorTypes {
		if m.states[s] != Idle {
			out = append(out, s)
		}
	}
	return out
}

// Reset returns every sensor to Idle.
func (m *Machine) Reset() {
	m.states = [pmd.SensorSlots]State{}
}
